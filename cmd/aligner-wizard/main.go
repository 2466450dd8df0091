package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/odsaligners-portal/crm-sub003/cmd/aligner-wizard/tui"
	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
	"github.com/odsaligners-portal/crm-sub003/internal/client/notify"
	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/logging"
	"github.com/odsaligners-portal/crm-sub003/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "aligner-wizard",
		Short:         "Create and submit aligner cases from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("accessible", false, "Use plain line prompts")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")

	rootCmd.AddCommand(newCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(notificationsCmd())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, tui.ErrQuit) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is what every subcommand needs: configuration, an API client and a
// logger writing to stderr.
type app struct {
	cfg    *config.ClientConfig
	client *api.Client
	logger zerolog.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cmd.Flags().GetString("log-level")

	return &app{
		cfg:    cfg,
		client: api.New(cfg.APIBaseURL, api.WithToken(cfg.APIToken), api.WithReadTimeout(cfg.RequestTimeout)),
		logger: logging.New(logging.Options{Level: level, Dev: true, Service: "aligner-wizard", Stdout: os.Stderr}),
	}, nil
}

func (a *app) session() wizard.Session {
	return wizard.Session{Token: a.cfg.APIToken, UserID: a.cfg.UserID, Role: a.cfg.Role}
}

func (a *app) driver(cmd *cobra.Command) (*tui.Driver, wizard.Scope, error) {
	scope, err := wizard.ScopeFor(a.cfg.Role)
	if err != nil {
		return nil, scope, err
	}
	term := tui.NewTerminal(os.Stdout)
	w := wizard.New(a.session(), scope, a.client, a.client, term, term, wizard.Options{
		CheckVersion: a.cfg.StrictConcurrency,
		Logger:       a.logger,
	})
	d := tui.NewDriver(w, term, os.Stdout, a.cfg.AllowReplace)
	accessible, _ := cmd.Flags().GetBool("accessible")
	d.Accessible(accessible)
	return d, scope, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new patient record",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			d, scope, err := a.driver(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Run(ctx, scope.StepURL(casefields.StepDetails, ""))
		},
	}
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue an existing record at a given step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, _ := cmd.Flags().GetInt("step")
			if !casefields.Step(step).Valid() {
				return fmt.Errorf("step must be between %d and %d", casefields.FirstStep, casefields.LastStep)
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			d, scope, err := a.driver(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Run(ctx, scope.StepURL(casefields.Step(step), args[0]))
		},
	}
	cmd.Flags().Int("step", int(casefields.StepDetails), "Step to open (1-4)")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patient records",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			limit, _ := cmd.Flags().GetInt("limit")
			search, _ := cmd.Flags().GetString("search")

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			apiBase := "/api/planner/patients"
			if scope, err := wizard.ScopeFor(a.cfg.Role); err == nil {
				apiBase = scope.APIBase
			}

			res, err := a.client.ListRecords(cmd.Context(), apiBase, page, limit, search)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(res.Data))
			for _, r := range res.Data {
				rows = append(rows, []string{
					r.CaseID, r.Fields[casefields.PatientName], r.Status,
					strconv.Itoa(len(r.ScanFiles)), r.UpdatedAt.Format("2006-01-02 15:04"), r.ID,
				})
			}
			fmt.Println(table.New().
				Border(lipgloss.NormalBorder()).
				Headers("CASE", "PATIENT", "STATUS", "FILES", "UPDATED", "ID").
				Rows(rows...).
				String())
			fmt.Println(tui.SubtitleStyle.Render(fmt.Sprintf("page %d of %d, %d record(s)", res.Page, res.TotalPages, res.Total)))
			return nil
		},
	}
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("limit", 20, "Records per page")
	cmd.Flags().String("search", "", "Filter by patient name or case id")
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show unread notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			markRead, _ := cmd.Flags().GetBool("mark-read")

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			sink := func(n api.Notification) {
				line := n.Title
				if n.CaseID != "" {
					line += " [" + n.CaseID + "]"
				}
				fmt.Println(tui.TitleStyle.UnsetMarginBottom().Render(line))
				if n.Message != "" {
					fmt.Println(tui.SubtitleStyle.Render("  " + n.Message))
				}
			}
			poller := notify.NewPoller(a.client, sink,
				notify.WithInterval(a.cfg.PollInterval),
				notify.WithLogger(a.logger))

			ctx, cancel := signalContext()
			defer cancel()

			if !watch {
				poller.PollOnce(ctx)
				if markRead {
					n, err := a.client.MarkAllRead(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Marked %d notification(s) read.\n", n)
				}
				return nil
			}

			if err := poller.Start(ctx, a.cfg.APIToken); err != nil {
				return err
			}
			<-ctx.Done()
			poller.Stop()
			return nil
		},
	}
	cmd.Flags().Bool("watch", false, "Keep polling until interrupted")
	cmd.Flags().Bool("mark-read", false, "Mark everything read after printing")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/domain/patient"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/blobstore"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/db"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/logging"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
	"github.com/odsaligners-portal/crm-sub003/internal/server"
	"github.com/odsaligners-portal/crm-sub003/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aligner-server",
		Short: "Aligner portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Dev:     cfg.IsDev(),
		File:    cfg.LogFile,
		Service: "aligner-server",
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	metrics := telemetry.NewProvider("aligner")

	be, err := openBackends(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer be.Close()

	e := server.New(server.Deps{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Records:       be.records,
		Notifications: be.notifications,
		Pinger:        be.pinger,
		Blobs:         be.blobs,
		Ledger:        be.ledger,
		Thumbs:        be.thumbs,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("blobs", cfg.BlobDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(schema)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(context.Background(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(schema)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(context.Background(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(schema string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.Files), pool.Close, nil
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete reported orphan objects that no record references",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")
			batch, _ := cmd.Flags().GetInt("batch")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required: the in-memory orphan ledger does not outlive the server")
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			metrics := telemetry.NewProvider("aligner")

			be, err := openBackends(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer be.Close()

			svc := patient.NewService(be.records, nil, logger, metrics)
			res, err := blobstore.NewReconciler(be.blobs, be.ledger, svc, logger, metrics).Run(ctx, grace, batch)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Printf("checked=%d deleted=%d referenced=%d failed=%d\n",
				res.Checked, res.Deleted, res.Referenced, res.Failed)
			return nil
		},
	}
	cmd.Flags().Duration("grace", time.Hour, "Minimum age of a candidate before it is deleted")
	cmd.Flags().Int("batch", 500, "Maximum candidates examined in one pass")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all patient records to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			status, _ := cmd.Flags().GetString("status")
			search, _ := cmd.Flags().GetString("search")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			metrics := telemetry.NewProvider("aligner")

			be, err := openBackends(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer be.Close()

			if out == "" {
				out = fmt.Sprintf("patients_%s.xlsx", time.Now().Format("20060102"))
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()

			filter := patient.ListFilter{Status: patient.Status(strings.ToLower(status)), Search: search}
			svc := patient.NewService(be.records, nil, logger, metrics)
			n, err := svc.Export(ctx, patient.Actor{UserID: "cli", Role: auth.RoleAdmin}, filter, f)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Printf("Exported %d record(s) to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().String("out", "", "Output file (default patients_YYYYMMDD.xlsx)")
	cmd.Flags().String("status", "", "Only export records with this status")
	cmd.Flags().String("search", "", "Only export records matching this text")
	return cmd
}

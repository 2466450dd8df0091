package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/wizard"
)

// RenderSlots draws the slot board as a table.
func RenderSlots(slots []wizard.Slot) string {
	rows := make([][]string, 0, len(slots))
	for _, s := range slots {
		state := s.State.String()
		if s.State == wizard.SlotUploading {
			state = fmt.Sprintf("uploading %d%%", s.Progress)
		}
		file := ""
		if s.File != nil {
			file = s.File.FileKey
		}
		rows = append(rows, []string{strconv.Itoa(s.Index + 1), s.Name, s.Label, state, file})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "SLOT", "LABEL", "STATE", "FILE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 || row >= len(slots) || col != 3 {
				return lipgloss.NewStyle()
			}
			return slotStateStyles[slots[row].State.String()]
		}).
		String()
}

func (d *Driver) runScans(ctx context.Context, loc wizard.Location) error {
	sm, err := d.w.Slots(loc.PatientID)
	if err != nil {
		return err
	}
	sm.OnChange(func(s wizard.Slot) {
		if s.State == wizard.SlotUploading && s.Progress > 0 {
			fmt.Fprintf(d.out, "\r%s %3d%%", s.Name, s.Progress)
		}
	})
	if err := sm.Load(ctx); err != nil {
		return err
	}

	fmt.Fprintln(d.out, TitleStyle.Render(StepTitle(casefields.StepScans)))
	for {
		fmt.Fprintln(d.out, RenderSlots(sm.Slots()))

		action, err := d.chooseScanAction(ctx, sm)
		if err != nil {
			return err
		}
		switch action {
		case actionUpload, actionReplace:
			d.uploadInto(ctx, sm, action == actionReplace)
		case actionDelete:
			if idx, ok := d.pickSlot(ctx, sm, true); ok {
				_ = sm.Delete(ctx, idx)
			}
		case actionSubmit:
			if err := sm.Finalize(ctx); err == nil {
				return nil
			}
		case actionBack:
			sm.Previous()
			return nil
		case actionQuit:
			return ErrQuit
		}
	}
}

func (d *Driver) chooseScanAction(ctx context.Context, sm *wizard.SlotManager) (string, error) {
	opts := []huh.Option[string]{huh.NewOption("Upload a file", actionUpload)}
	if occupied(sm) {
		opts = append(opts, huh.NewOption("Delete a file", actionDelete))
		if d.allowReplace {
			opts = append(opts, huh.NewOption("Replace a file", actionReplace))
		}
	}
	if sm.CanSubmit() {
		opts = append(opts, huh.NewOption("Submit case", actionSubmit))
	}
	opts = append(opts, huh.NewOption("Back", actionBack), huh.NewOption("Quit", actionQuit))

	action := actionUpload
	err := d.form(huh.NewGroup(huh.NewSelect[string]().
		Title("What next?").
		Options(opts...).
		Value(&action))).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return actionQuit, nil
	}
	return action, err
}

func occupied(sm *wizard.SlotManager) bool {
	for _, s := range sm.Slots() {
		if s.State == wizard.SlotUploaded {
			return true
		}
	}
	return false
}

// pickSlot asks for a slot. With filled set only uploaded slots are offered,
// otherwise only empty ones.
func (d *Driver) pickSlot(ctx context.Context, sm *wizard.SlotManager, filled bool) (int, bool) {
	var opts []huh.Option[int]
	for _, s := range sm.Slots() {
		if (s.State == wizard.SlotUploaded) != filled {
			continue
		}
		label := fmt.Sprintf("%s: %s (%s)", s.Name, s.Label, strings.Join(s.Accepts, ", "))
		opts = append(opts, huh.NewOption(label, s.Index))
	}
	if len(opts) == 0 {
		return 0, false
	}

	idx := opts[0].Value
	err := d.form(huh.NewGroup(huh.NewSelect[int]().
		Title("Slot").
		Options(opts...).
		Value(&idx))).RunWithContext(ctx)
	return idx, err == nil
}

func (d *Driver) uploadInto(ctx context.Context, sm *wizard.SlotManager, replace bool) {
	idx, ok := d.pickSlot(ctx, sm, replace)
	if !ok {
		return
	}

	var path string
	err := d.form(huh.NewGroup(huh.NewInput().
		Title("File path").
		Value(&path).
		Validate(func(p string) error {
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("cannot read %s", p)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", p)
			}
			return nil
		}))).RunWithContext(ctx)
	if err != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		d.term.Error(err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		d.term.Error(err.Error())
		return
	}

	// Failures are toasted by the slot manager.
	name := filepath.Base(path)
	if replace {
		_ = sm.Replace(ctx, idx, name, f, info.Size())
	} else {
		_ = sm.Upload(ctx, idx, name, f, info.Size())
	}
	fmt.Fprintln(d.out)
}

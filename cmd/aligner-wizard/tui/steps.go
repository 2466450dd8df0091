package tui

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/wizard"
)

// ErrQuit is returned when the user leaves the wizard before finishing.
var ErrQuit = errors.New("wizard closed")

const (
	actionNext    = "next"
	actionBack    = "back"
	actionQuit    = "quit"
	actionUpload  = "upload"
	actionDelete  = "delete"
	actionReplace = "replace"
	actionSubmit  = "submit"
)

var stepTitles = map[casefields.Step]string{
	casefields.StepDetails:   "Patient details",
	casefields.StepTreatment: "Treatment plan",
	casefields.StepClinical:  "Clinical conditions",
	casefields.StepScans:     "Scans and models",
}

var fieldLabels = map[string]string{
	casefields.PatientName:           "Patient Name",
	casefields.Age:                   "Age",
	casefields.Gender:                "Gender",
	casefields.ContactNumber:         "Contact Number",
	casefields.PastMedicalHistory:    "Past Medical History",
	casefields.PastDentalHistory:     "Past Dental History",
	casefields.TreatmentFor:          "Treatment For",
	casefields.Country:               "Country",
	casefields.State:                 "State",
	casefields.City:                  "City",
	casefields.PrimaryAddress:        "Primary Address",
	casefields.ShippingAddress:       "Shipping Address",
	casefields.BillingAddress:        "Billing Address",
	casefields.ChiefComplaint:        "Chief Complaint",
	casefields.CaseType:              "Case Type",
	casefields.SingleArchType:        "Single Arch Type",
	casefields.CaseCategory:          "Case Category",
	casefields.SelectedPrice:         "Selected Price",
	casefields.Extraction:            "Extraction",
	casefields.ExtractionComments:    "Extraction Comments",
	casefields.Midline:               "Midline",
	casefields.MidlineComments:       "Midline Comments",
	casefields.ArchExpansion:         "Arch Expansion",
	casefields.ArchExpansionComments: "Arch Expansion Comments",
}

// Free-text fields long enough to deserve a multi-line editor.
var longFields = map[string]bool{
	casefields.PastMedicalHistory:    true,
	casefields.PastDentalHistory:     true,
	casefields.PrimaryAddress:        true,
	casefields.ShippingAddress:       true,
	casefields.BillingAddress:        true,
	casefields.ChiefComplaint:        true,
	casefields.ExtractionComments:    true,
	casefields.MidlineComments:       true,
	casefields.ArchExpansionComments: true,
}

// FieldLabel is the prompt shown for a field.
func FieldLabel(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

// StepTitle is the heading of a wizard page.
func StepTitle(step casefields.Step) string {
	return fmt.Sprintf("Step %d of %d: %s", step, casefields.LastStep, stepTitles[step])
}

// enumOptions lists the choices of an enumerated field, led by an unset
// option so optional enums can be cleared.
func enumOptions(field string) []huh.Option[string] {
	opts := []huh.Option[string]{huh.NewOption("(not set)", "")}
	for _, v := range casefields.EnumValues(field) {
		opts = append(opts, huh.NewOption(v, v))
	}
	return opts
}

// Driver walks the user through the wizard pages, following the
// navigation each controller asks for.
type Driver struct {
	w            *wizard.Wizard
	term         *Terminal
	out          io.Writer
	allowReplace bool
	accessible   bool
}

func NewDriver(w *wizard.Wizard, term *Terminal, out io.Writer, allowReplace bool) *Driver {
	return &Driver{w: w, term: term, out: out, allowReplace: allowReplace}
}

// Accessible switches huh to plain line prompts, for terminals without
// cursor control.
func (d *Driver) Accessible(on bool) { d.accessible = on }

// Run starts at url and shows pages until the wizard returns to the list or
// the user quits.
func (d *Driver) Run(ctx context.Context, url string) error {
	list := d.w.Scope().ListURL()
	for url != "" && url != list {
		loc, err := d.w.Enter(url)
		switch {
		case errors.Is(err, wizard.ErrMissingPatientID):
			url = d.term.Take()
			continue
		case err != nil:
			return err
		}

		if loc.Step == casefields.StepScans {
			err = d.runScans(ctx, loc)
		} else {
			err = d.runStep(ctx, loc)
		}
		if err != nil {
			return err
		}
		url = d.term.Take()
	}
	return nil
}

func (d *Driver) form(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(d.accessible)
}

func (d *Driver) runStep(ctx context.Context, loc wizard.Location) error {
	ctrl, err := d.w.Step(loc.Step, loc.PatientID)
	if err != nil {
		return err
	}
	if err := ctrl.Load(ctx); err != nil {
		return err
	}

	fmt.Fprintln(d.out, TitleStyle.Render(StepTitle(loc.Step)))
	if id := ctrl.CaseID(); id != "" {
		fmt.Fprintln(d.out, SubtitleStyle.Render("Case "+id))
	}

	values := ctrl.Form().Snapshot()
	for {
		action, err := d.editStep(ctx, ctrl.Form(), values)
		if err != nil {
			return err
		}
		for name, v := range values {
			if err := ctrl.Form().Set(name, v); err != nil {
				return err
			}
		}

		switch action {
		case actionBack:
			ctrl.Previous()
			return nil
		case actionQuit:
			return ErrQuit
		}

		// A failed save has already been toasted; the form stays as typed.
		if err := ctrl.Next(ctx); err == nil {
			return nil
		}
	}
}

// editStep shows one huh form for the step's fields and writes the answers
// back into values.
func (d *Driver) editStep(ctx context.Context, form *wizard.Form, values map[string]string) (string, error) {
	bound := make(map[string]*string, len(values))
	var fields []huh.Field
	for _, name := range form.Fields() {
		v := values[name]
		bound[name] = &v
		switch {
		case casefields.EnumValues(name) != nil:
			fields = append(fields, huh.NewSelect[string]().
				Key(name).
				Title(FieldLabel(name)).
				Options(enumOptions(name)...).
				Value(bound[name]))
		case longFields[name]:
			fields = append(fields, huh.NewText().
				Key(name).
				Title(FieldLabel(name)).
				Value(bound[name]))
		default:
			fields = append(fields, huh.NewInput().
				Key(name).
				Title(FieldLabel(name)).
				Value(bound[name]))
		}
	}

	action := actionNext
	nav := huh.NewSelect[string]().
		Title("Continue").
		Options(
			huh.NewOption("Save and continue", actionNext),
			huh.NewOption("Back", actionBack),
			huh.NewOption("Quit", actionQuit),
		).
		Value(&action)

	if err := d.form(huh.NewGroup(fields...), huh.NewGroup(nav)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return actionQuit, nil
		}
		return "", err
	}
	for name, p := range bound {
		values[name] = *p
	}
	return action, nil
}

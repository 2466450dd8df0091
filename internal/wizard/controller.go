package wizard

import (
	"context"
	"errors"
	"sync"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// State is where a step controller is in its load/save cycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSubmitting
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSubmitting:
		return "submitting"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Controller runs one form step: load the saved values, let the caller edit
// the form, validate, save only this step's fields, then navigate.
type Controller struct {
	w    *Wizard
	step casefields.Step
	form *Form

	mu        sync.Mutex
	state     State
	patientID string
	caseID    string
	version   int
}

func newController(w *Wizard, step casefields.Step, patientID string) *Controller {
	return &Controller{w: w, step: step, form: NewForm(step), patientID: patientID}
}

func (c *Controller) Step() casefields.Step { return c.step }

func (c *Controller) Form() *Form { return c.form }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) PatientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patientID
}

// CaseID is the human-readable case id, known once the record was loaded or
// created.
func (c *Controller) CaseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseID
}

// begin moves the controller into a busy state, refusing if it already is.
func (c *Controller) begin(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLoading || c.state == StateSubmitting {
		return ErrBusy
	}
	c.state = s
	return nil
}

func (c *Controller) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateError
		return
	}
	c.state = StateIdle
}

// Load mounts the form from the server's copy of the record. A new record
// (step 1 without an id) mounts defaults without a request. On failure the
// form stays at defaults and the error is toasted.
func (c *Controller) Load(ctx context.Context) error {
	id := c.PatientID()
	if id == "" {
		c.form.Mount(nil)
		return nil
	}
	if err := c.begin(StateLoading); err != nil {
		return err
	}

	rec, err := c.w.records.GetRecord(ctx, c.w.scope.APIBase, id)
	if err != nil {
		c.form.Mount(nil)
		c.w.toast.Error(messageFor(err, MsgLoadFailed))
		c.w.logger.Warn().Err(err).Str("patient_id", id).Int("step", int(c.step)).Msg("load step")
		c.finish(err)
		return err
	}

	c.form.Mount(rec)
	c.mu.Lock()
	c.caseID = rec.CaseID
	c.version = rec.Version
	c.mu.Unlock()
	c.finish(nil)
	return nil
}

// Next validates the form and saves it. Only after the save succeeds does
// it navigate to the next step, keeping the id. Validation failures never
// reach the network; save failures keep the user on the step with the form
// intact.
func (c *Controller) Next(ctx context.Context) error {
	if c.step == casefields.StepDetails && c.PatientID() == "" {
		return c.Create(ctx)
	}

	values := c.form.Snapshot()
	if err := c.validate(values); err != nil {
		return err
	}
	if err := c.begin(StateSubmitting); err != nil {
		return err
	}

	c.mu.Lock()
	id, version := c.patientID, 0
	if c.w.opts.CheckVersion {
		version = c.version
	}
	c.mu.Unlock()

	rec, err := c.w.records.UpdateRecord(ctx, c.w.scope.APIBase, id, values, version)
	if err != nil {
		c.w.toast.Error(messageFor(err, MsgSaveFailed))
		c.w.logger.Warn().Err(err).Str("patient_id", id).Int("step", int(c.step)).Msg("save step")
		c.finish(err)
		return err
	}

	c.mu.Lock()
	c.version = rec.Version
	c.mu.Unlock()
	c.finish(nil)
	c.w.toast.Success(MsgSaved)
	c.w.nav.Navigate(c.w.scope.StepURL(c.step+1, id))
	return nil
}

// Create saves step 1 as a new record and moves to step 2 with its id.
func (c *Controller) Create(ctx context.Context) error {
	if c.step != casefields.StepDetails {
		return errors.New("wizard: only step 1 creates records")
	}
	values := c.form.Snapshot()
	if err := c.validate(values); err != nil {
		return err
	}
	if err := c.begin(StateSubmitting); err != nil {
		return err
	}

	rec, err := c.w.records.CreateRecord(ctx, c.w.scope.APIBase, values)
	if err != nil {
		c.w.toast.Error(messageFor(err, MsgSaveFailed))
		c.w.logger.Warn().Err(err).Msg("create record")
		c.finish(err)
		return err
	}

	c.mu.Lock()
	c.patientID, c.caseID, c.version = rec.ID, rec.CaseID, rec.Version
	c.mu.Unlock()
	c.finish(nil)
	c.w.logger.Info().Str("patient_id", rec.ID).Str("case_id", rec.CaseID).Msg("record created")
	c.w.toast.Success(MsgCreated)
	c.w.nav.Navigate(c.w.scope.StepURL(casefields.StepTreatment, rec.ID))
	return nil
}

// Previous navigates back without saving. From step 1 it returns to the list.
func (c *Controller) Previous() {
	if c.step == casefields.StepDetails {
		c.w.nav.Navigate(c.w.scope.ListURL())
		return
	}
	c.w.nav.Navigate(c.w.scope.StepURL(c.step-1, c.PatientID()))
}

func (c *Controller) validate(values map[string]string) error {
	if err := casefields.ValidateStep(c.step, values); err != nil {
		msg := messageFor(err, err.Error())
		c.w.toast.Error(msg)
		return newValidationError(msg, err)
	}
	return nil
}

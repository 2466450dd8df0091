package wizard

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

// RecordAPI is the patient record surface the step controllers use.
type RecordAPI interface {
	CreateRecord(ctx context.Context, apiBase string, fields map[string]string) (*api.Record, error)
	GetRecord(ctx context.Context, apiBase, id string) (*api.Record, error)
	UpdateRecord(ctx context.Context, apiBase, id string, body interface{}, version int) (*api.Record, error)
}

// StorageAPI is the object storage surface the slot manager uses.
type StorageAPI interface {
	Upload(ctx context.Context, filename string, r io.Reader, size int64, progress api.ProgressFunc) (*api.UploadedFile, error)
	DeleteObject(ctx context.Context, key string) error
	ReportOrphans(ctx context.Context, keys []string, reason string) error
}

// Options tune a Wizard.
type Options struct {
	// CheckVersion sends the version read at load time as If-Match so a
	// concurrent edit of the same step fails instead of being overwritten.
	CheckVersion bool
	Logger       zerolog.Logger
}

// Wizard builds step controllers and slot managers for one session and scope.
type Wizard struct {
	session Session
	scope   Scope
	records RecordAPI
	storage StorageAPI
	toast   Toaster
	nav     Navigator
	opts    Options
	logger  zerolog.Logger
}

func New(session Session, scope Scope, records RecordAPI, storage StorageAPI, toast Toaster, nav Navigator, opts Options) *Wizard {
	return &Wizard{
		session: session,
		scope:   scope,
		records: records,
		storage: storage,
		toast:   toast,
		nav:     nav,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "wizard").Str("role", scope.Role).Logger(),
	}
}

func (w *Wizard) Scope() Scope { return w.scope }

func (w *Wizard) Session() Session { return w.session }

// Enter validates a page URL before any step is mounted. Steps after the
// first need an id; without one the user is sent back to step 1 with an
// error and no request is made.
func (w *Wizard) Enter(rawURL string) (Location, error) {
	loc, err := w.scope.ParseLocation(rawURL)
	if err != nil {
		return Location{}, err
	}
	if loc.Step > casefields.StepDetails && loc.PatientID == "" {
		w.toast.Error(MsgMissingPatientID)
		w.nav.Navigate(w.scope.StepURL(casefields.StepDetails, ""))
		return loc, ErrMissingPatientID
	}
	return loc, nil
}

// Step returns the controller for a form step (1 to 3). patientID may be
// empty only for step 1, which then creates the record.
func (w *Wizard) Step(step casefields.Step, patientID string) (*Controller, error) {
	if step < casefields.StepDetails || step >= casefields.StepScans {
		return nil, ErrNotWizardURL
	}
	if step > casefields.StepDetails && patientID == "" {
		return nil, ErrMissingPatientID
	}
	return newController(w, step, patientID), nil
}

// Slots returns the step-4 upload slot manager.
func (w *Wizard) Slots(patientID string) (*SlotManager, error) {
	if patientID == "" {
		return nil, ErrMissingPatientID
	}
	return newSlotManager(w, patientID), nil
}

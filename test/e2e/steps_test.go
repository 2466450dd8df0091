package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/domain/patient"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/blobstore"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/notification"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
	"github.com/odsaligners-portal/crm-sub003/internal/server"
	"github.com/odsaligners-portal/crm-sub003/internal/wizard"
)

const signingKey = "e2e-signing-key"

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// recorder stands in for the page: it keeps toasts and navigations.
type recorder struct {
	mu        sync.Mutex
	successes []string
	errors    []string
	nav       []string
}

func (r *recorder) Success(msg string) { r.mu.Lock(); r.successes = append(r.successes, msg); r.mu.Unlock() }
func (r *recorder) Error(msg string)   { r.mu.Lock(); r.errors = append(r.errors, msg); r.mu.Unlock() }
func (r *recorder) Navigate(u string)  { r.mu.Lock(); r.nav = append(r.nav, u); r.mu.Unlock() }

func (r *recorder) lastNav() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nav) == 0 {
		return ""
	}
	return r.nav[len(r.nav)-1]
}

// testContext holds state for a single scenario.
type testContext struct {
	srv    *httptest.Server
	jwtCfg auth.JWTConfig
	admin  *api.Client

	client *api.Client
	scope  wizard.Scope
	rec    *recorder
	wiz    *wizard.Wizard

	recordID  string
	ctrl      *wizard.Controller
	slots     *wizard.SlotManager
	firstKeys map[string]string
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*tc = testContext{firstKeys: make(map[string]string)}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if tc.srv != nil {
			tc.srv.Close()
		}
		return ctx, nil
	})

	sc.Step(`^the portal is running$`, tc.thePortalIsRunning)
	sc.Step(`^I am signed in as "([^"]*)" "([^"]*)"$`, tc.iAmSignedInAs)
	sc.Step(`^a record for patient "([^"]*)"$`, tc.aRecordForPatient)
	sc.Step(`^step 2 was saved with case type "([^"]*)" and category "([^"]*)"$`, tc.stepTwoWasSaved)
	sc.Step(`^I open step (\d) of the record$`, tc.iOpenStep)
	sc.Step(`^I set "([^"]*)" to "([^"]*)"$`, tc.iSet)
	sc.Step(`^I press next$`, tc.iPressNext)
	sc.Step(`^the stored field "([^"]*)" is "([^"]*)"$`, tc.theStoredFieldIs)
	sc.Step(`^the stored record is at version (\d+)$`, tc.theStoredRecordIsAtVersion)
	sc.Step(`^the stored record has (\d+) scan files$`, tc.theStoredRecordHasScanFiles)
	sc.Step(`^the stored record status is "([^"]*)"$`, tc.theStoredRecordStatusIs)
	sc.Step(`^the form field "([^"]*)" is "([^"]*)"$`, tc.theFormFieldIs)
	sc.Step(`^I am sent to step (\d) of the record$`, tc.iAmSentToStep)
	sc.Step(`^I am sent to step 1 without an id$`, tc.iAmSentToStepOneWithoutID)
	sc.Step(`^I am sent to the record list$`, tc.iAmSentToTheList)
	sc.Step(`^I was not sent anywhere$`, tc.iWasNotSentAnywhere)
	sc.Step(`^the toast "([^"]*)" was shown$`, tc.theToastWasShown)
	sc.Step(`^the error toast "([^"]*)" was shown$`, tc.theErrorToastWasShown)
	sc.Step(`^I enter the wizard at step (\d) without an id$`, tc.iEnterWithoutID)
	sc.Step(`^I upload "([^"]*)" into slot "([^"]*)"$`, tc.iUploadInto)
	sc.Step(`^slot "([^"]*)" is "([^"]*)"$`, tc.slotIs)
	sc.Step(`^slot "([^"]*)" still holds its first file$`, tc.slotStillHoldsFirstFile)
	sc.Step(`^I delete the file in slot "([^"]*)"$`, tc.iDeleteTheFileIn)
	sc.Step(`^submitting is not allowed$`, tc.submittingIsNotAllowed)
	sc.Step(`^submitting is allowed$`, tc.submittingIsAllowed)
	sc.Step(`^I submit the files$`, tc.iSubmitTheFiles)
	sc.Step(`^admins have (\d+) unread notifications?$`, tc.adminsHaveUnread)
}

func (tc *testContext) thePortalIsRunning() error {
	cfg := &config.Config{
		Env:            "test",
		StoreDriver:    config.DriverMemory,
		BlobDriver:     config.DriverMemory,
		BlobMaxBytes:   10 << 20,
		AuthSigningKey: signingKey,
		CORSOrigins:    []string{"*"},
	}
	e := server.New(server.Deps{
		Config:        cfg,
		Logger:        zerolog.Nop(),
		Metrics:       telemetry.NewProvider("e2e"),
		Records:       patient.NewMemoryRepo(),
		Notifications: notification.NewMemoryStore(),
		Pinger:        nopPinger{},
		Blobs:         blobstore.NewMemoryStore("http://files.test", cfg.BlobMaxBytes),
		Ledger:        blobstore.NewMemoryOrphanLedger(),
	})
	tc.srv = httptest.NewServer(e)
	tc.jwtCfg = auth.JWTConfig{SigningKey: []byte(signingKey)}

	token, err := auth.SignToken(tc.jwtCfg, "admin-1", []string{auth.RoleAdmin}, time.Hour)
	if err != nil {
		return err
	}
	tc.admin = api.New(tc.srv.URL, api.WithToken(token))
	return nil
}

type nopPinger struct{}

func (nopPinger) Ping(context.Context) error { return nil }

func (tc *testContext) iAmSignedInAs(role, user string) error {
	token, err := auth.SignToken(tc.jwtCfg, user, []string{role}, time.Hour)
	if err != nil {
		return err
	}
	scope, err := wizard.ScopeFor(role)
	if err != nil {
		return err
	}
	tc.client = api.New(tc.srv.URL, api.WithToken(token))
	tc.scope = scope
	tc.rec = &recorder{}
	tc.wiz = wizard.New(wizard.Session{Token: token, UserID: user, Role: role}, scope,
		tc.client, tc.client, tc.rec, tc.rec, wizard.Options{Logger: zerolog.Nop()})
	return nil
}

func (tc *testContext) aRecordForPatient(name string) error {
	rec, err := tc.client.CreateRecord(context.Background(), tc.scope.APIBase, map[string]string{
		casefields.PatientName:    name,
		casefields.Age:            "34",
		casefields.Gender:         "Male",
		casefields.TreatmentFor:   "Aligner",
		casefields.Country:        "India",
		casefields.City:           "Pune",
		casefields.PrimaryAddress: "12 MG Road",
	})
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	tc.recordID = rec.ID
	return nil
}

func (tc *testContext) stepTwoWasSaved(caseType, category string) error {
	_, err := tc.client.UpdateRecord(context.Background(), tc.scope.APIBase, tc.recordID, map[string]string{
		casefields.CaseType:     caseType,
		casefields.CaseCategory: category,
	}, 0)
	return err
}

// iOpenStep mounts a step. Load failures are part of the behaviour under
// test and surface as toasts.
func (tc *testContext) iOpenStep(step int) error {
	ctx := context.Background()
	if casefields.Step(step) == casefields.StepScans {
		sm, err := tc.wiz.Slots(tc.recordID)
		if err != nil {
			return err
		}
		tc.slots = sm
		_ = sm.Load(ctx)
		return nil
	}
	ctrl, err := tc.wiz.Step(casefields.Step(step), tc.recordID)
	if err != nil {
		return err
	}
	tc.ctrl = ctrl
	_ = ctrl.Load(ctx)
	return nil
}

func (tc *testContext) iSet(field, value string) error {
	return tc.ctrl.Form().Set(field, value)
}

func (tc *testContext) iPressNext() error {
	_ = tc.ctrl.Next(context.Background())
	return nil
}

func (tc *testContext) stored() (*api.Record, error) {
	return tc.admin.GetRecord(context.Background(), "/api/admin/patients", tc.recordID)
}

func (tc *testContext) theStoredFieldIs(field, want string) error {
	rec, err := tc.stored()
	if err != nil {
		return err
	}
	if got := rec.Fields[field]; got != want {
		return fmt.Errorf("expected stored %s %q, got %q", field, want, got)
	}
	return nil
}

func (tc *testContext) theStoredRecordIsAtVersion(want int) error {
	rec, err := tc.stored()
	if err != nil {
		return err
	}
	if rec.Version != want {
		return fmt.Errorf("expected version %d, got %d", want, rec.Version)
	}
	return nil
}

func (tc *testContext) theStoredRecordHasScanFiles(want int) error {
	rec, err := tc.stored()
	if err != nil {
		return err
	}
	if got := len(rec.ScanFiles); got != want {
		return fmt.Errorf("expected %d scan files, got %d", want, got)
	}
	return nil
}

func (tc *testContext) theStoredRecordStatusIs(want string) error {
	rec, err := tc.stored()
	if err != nil {
		return err
	}
	if rec.Status != want {
		return fmt.Errorf("expected status %q, got %q", want, rec.Status)
	}
	return nil
}

func (tc *testContext) theFormFieldIs(field, want string) error {
	if got := tc.ctrl.Form().Get(field); got != want {
		return fmt.Errorf("expected form %s %q, got %q", field, want, got)
	}
	return nil
}

func (tc *testContext) iAmSentToStep(step int) error {
	want := tc.scope.StepURL(casefields.Step(step), tc.recordID)
	if got := tc.rec.lastNav(); got != want {
		return fmt.Errorf("expected navigation to %s, got %q", want, got)
	}
	return nil
}

func (tc *testContext) iAmSentToStepOneWithoutID() error {
	want := tc.scope.StepURL(casefields.StepDetails, "")
	if got := tc.rec.lastNav(); got != want {
		return fmt.Errorf("expected navigation to %s, got %q", want, got)
	}
	return nil
}

func (tc *testContext) iAmSentToTheList() error {
	if got := tc.rec.lastNav(); got != tc.scope.ListURL() {
		return fmt.Errorf("expected navigation to %s, got %q", tc.scope.ListURL(), got)
	}
	return nil
}

func (tc *testContext) iWasNotSentAnywhere() error {
	if got := tc.rec.lastNav(); got != "" {
		return fmt.Errorf("expected no navigation, got %q", got)
	}
	return nil
}

func (tc *testContext) theToastWasShown(msg string) error {
	tc.rec.mu.Lock()
	defer tc.rec.mu.Unlock()
	for _, m := range tc.rec.successes {
		if m == msg {
			return nil
		}
	}
	return fmt.Errorf("expected toast %q, got %v", msg, tc.rec.successes)
}

func (tc *testContext) theErrorToastWasShown(msg string) error {
	tc.rec.mu.Lock()
	defer tc.rec.mu.Unlock()
	for _, m := range tc.rec.errors {
		if m == msg {
			return nil
		}
	}
	return fmt.Errorf("expected error toast %q, got %v", msg, tc.rec.errors)
}

func (tc *testContext) iEnterWithoutID(step int) error {
	_, err := tc.wiz.Enter(tc.scope.StepURL(casefields.Step(step), ""))
	if err == nil {
		return fmt.Errorf("expected step %d without an id to be refused", step)
	}
	return nil
}

func (tc *testContext) slotIndex(name string) (int, error) {
	def, ok := casefields.SlotByName(name)
	if !ok {
		return 0, fmt.Errorf("unknown slot %q", name)
	}
	return def.Index, nil
}

func (tc *testContext) iUploadInto(file, slot string) error {
	idx, err := tc.slotIndex(slot)
	if err != nil {
		return err
	}
	content := []byte("content of " + file)
	_ = tc.slots.Upload(context.Background(), idx, file, bytes.NewReader(content), int64(len(content)))

	s, _ := tc.slots.Slot(idx)
	if s.State == wizard.SlotUploaded && tc.firstKeys[slot] == "" {
		tc.firstKeys[slot] = s.File.FileKey
	}
	return nil
}

func (tc *testContext) slotIs(slot, want string) error {
	idx, err := tc.slotIndex(slot)
	if err != nil {
		return err
	}
	s, _ := tc.slots.Slot(idx)
	if got := s.State.String(); got != want {
		return fmt.Errorf("expected slot %s %s, got %s", slot, want, got)
	}
	return nil
}

func (tc *testContext) slotStillHoldsFirstFile(slot string) error {
	idx, err := tc.slotIndex(slot)
	if err != nil {
		return err
	}
	s, _ := tc.slots.Slot(idx)
	if s.File == nil || s.File.FileKey != tc.firstKeys[slot] {
		return fmt.Errorf("expected slot %s to keep %s", slot, tc.firstKeys[slot])
	}
	return nil
}

func (tc *testContext) iDeleteTheFileIn(slot string) error {
	idx, err := tc.slotIndex(slot)
	if err != nil {
		return err
	}
	return tc.slots.Delete(context.Background(), idx)
}

func (tc *testContext) submittingIsNotAllowed() error {
	if tc.slots.CanSubmit() {
		return fmt.Errorf("expected submit to be disabled")
	}
	return nil
}

func (tc *testContext) submittingIsAllowed() error {
	if !tc.slots.CanSubmit() {
		return fmt.Errorf("expected submit to be enabled")
	}
	return nil
}

func (tc *testContext) iSubmitTheFiles() error {
	return tc.slots.Finalize(context.Background())
}

func (tc *testContext) adminsHaveUnread(want int) error {
	items, err := tc.admin.Notifications(context.Background(), true)
	if err != nil {
		return err
	}
	if len(items) != want {
		return fmt.Errorf("expected %d unread notification(s), got %d", want, len(items))
	}
	return nil
}

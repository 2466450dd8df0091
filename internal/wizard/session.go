// Package wizard drives the four-step patient record wizard: loading and
// saving each step's fields, managing the step-4 upload slots, and the
// navigation contract that threads the record id between steps.
package wizard

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// Session is the signed-in user the wizard acts for.
type Session struct {
	Token  string
	UserID string
	Role   string
}

// Authenticated reports whether the session carries a token.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// Scope binds the wizard to one role's API and page paths.
type Scope struct {
	Role     string
	APIBase  string
	PageBase string
	Variant  casefields.ExtensionVariant
}

var scopes = map[string]Scope{
	"doctor":      {Role: "doctor", APIBase: "/api/patients", PageBase: "/doctor/patients", Variant: casefields.VariantClinical},
	"admin":       {Role: "admin", APIBase: "/api/admin/patients", PageBase: "/admin/patients", Variant: casefields.VariantClinical},
	"distributor": {Role: "distributor", APIBase: "/api/distributor/patients", PageBase: "/distributor/patients", Variant: casefields.VariantStandard},
}

// ScopeFor returns the wizard scope for role. Planners only read records and
// have no wizard.
func ScopeFor(role string) (Scope, error) {
	s, ok := scopes[strings.ToLower(role)]
	if !ok {
		return Scope{}, fmt.Errorf("%w: %q", ErrNoWizardForRole, role)
	}
	return s, nil
}

// StepURL is the page URL of step. Steps after the first carry ?id=.
func (s Scope) StepURL(step casefields.Step, patientID string) string {
	u := fmt.Sprintf("%s/create-patient-record/step-%d", s.PageBase, step)
	if patientID != "" {
		u += "?id=" + url.QueryEscape(patientID)
	}
	return u
}

// ListURL is the page listing the role's records.
func (s Scope) ListURL() string {
	return s.PageBase
}

// Location is a parsed wizard page URL.
type Location struct {
	Step      casefields.Step
	PatientID string
}

// ParseLocation reads the step number and id out of a wizard page URL.
func (s Scope) ParseLocation(rawURL string) (Location, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Location{}, fmt.Errorf("parse url: %w", err)
	}
	prefix := s.PageBase + "/create-patient-record/step-"
	if !strings.HasPrefix(u.Path, prefix) {
		return Location{}, fmt.Errorf("%w: %s", ErrNotWizardURL, u.Path)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(u.Path, prefix), "/"))
	if err != nil || !casefields.Step(n).Valid() {
		return Location{}, fmt.Errorf("%w: %s", ErrNotWizardURL, u.Path)
	}
	return Location{Step: casefields.Step(n), PatientID: strings.TrimSpace(u.Query().Get("id"))}, nil
}

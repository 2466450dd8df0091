package patient

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

var (
	ErrNotFound        = errors.New("patient record not found")
	ErrVersionConflict = errors.New("patient record was modified by someone else")
	ErrDuplicateCaseID = errors.New("case id already exists")
	ErrInvalidField    = errors.New("invalid patient record field")
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
)

// Fields holds the wizard-owned values of a record. Every value is a string
// except scanFiles, which is a casefields.ScanFileMap.
type Fields map[string]interface{}

// String returns the string value of key, or "" when unset.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// ScanFiles returns the persisted slot map, or nil when unset.
func (f Fields) ScanFiles() casefields.ScanFileMap {
	m, _ := f[casefields.ScanFiles].(casefields.ScanFileMap)
	return m
}

// Strings returns the string-valued fields only.
func (f Fields) Strings() map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Merge copies every key of patch into f. Keys not in patch are untouched.
func (f Fields) Merge(patch Fields) {
	for k, v := range patch {
		f[k] = v
	}
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if m, ok := v.(casefields.ScanFileMap); ok {
			cp := make(casefields.ScanFileMap, len(m))
			for slot, files := range m {
				cp[slot] = append([]casefields.ScanFile(nil), files...)
			}
			v = cp
		}
		out[k] = v
	}
	return out
}

// Record is a patient's case as stored on the server.
type Record struct {
	ID        uuid.UUID
	CaseID    string
	OwnerID   string
	Status    Status
	Version   int
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarshalJSON renders the record as one flat object: the wizard-owned fields
// next to the server-managed ones.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+7)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[casefields.KeyID] = r.ID
	out[casefields.KeyCaseID] = r.CaseID
	out[casefields.KeyOwnerID] = r.OwnerID
	out[casefields.KeyStatus] = r.Status
	out[casefields.KeyVersion] = r.Version
	out[casefields.KeyCreatedAt] = r.CreatedAt
	out[casefields.KeyUpdatedAt] = r.UpdatedAt
	return json.Marshal(out)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = r.Fields.clone()
	return &cp
}

// ListFilter narrows a record listing. An empty OwnerID lists every owner.
type ListFilter struct {
	OwnerID string
	Status  Status
	Search  string
	Limit   int
	Offset  int
}

package wizard

import (
	"fmt"
	"sync"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

// Form is the step data cache: the values of the fields one step owns, as of
// the current mount. Every mount starts from defaults and the server's copy;
// nothing carries over from an earlier mount.
type Form struct {
	step   casefields.Step
	fields []string

	mu     sync.RWMutex
	values map[string]string
}

func NewForm(step casefields.Step) *Form {
	f := &Form{step: step, fields: casefields.FieldsFor(step)}
	f.reset()
	return f
}

func (f *Form) reset() {
	f.values = make(map[string]string, len(f.fields))
	for _, name := range f.fields {
		f.values[name] = ""
	}
}

// Mount discards the current values and fills owned fields from rec. Fields
// rec lacks default to "". A nil rec leaves every field at its default.
func (f *Form) Mount(rec *api.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
	if rec == nil {
		return
	}
	for _, name := range f.fields {
		if v, ok := rec.Fields[name]; ok {
			f.values[name] = v
		}
	}
}

func (f *Form) Step() casefields.Step { return f.step }

// Fields lists the owned field names in form order.
func (f *Form) Fields() []string {
	return append([]string(nil), f.fields...)
}

func (f *Form) Get(field string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[field]
}

// Set changes an owned field. Fields of other steps are refused.
func (f *Form) Set(field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[field]; !ok {
		return fmt.Errorf("field %q does not belong to step %d", field, f.step)
	}
	f.values[field] = value
	return nil
}

// Snapshot returns a copy of every owned field, empty ones included.
func (f *Form) Snapshot() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

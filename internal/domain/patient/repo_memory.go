package patient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

// MemoryRepo is a thread-safe Repository for development and tests.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*Record), now: time.Now}
}

func (m *MemoryRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.CaseID == r.CaseID {
			return ErrDuplicateCaseID
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Version == 0 {
		r.Version = 1
	}
	if r.Status == "" {
		r.Status = StatusDraft
	}
	if r.Fields == nil {
		r.Fields = Fields{}
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRepo) Patch(_ context.Context, id uuid.UUID, fields Fields, status Status, expectedVersion int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if expectedVersion > 0 && r.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	r.Fields.Merge(fields.clone())
	if status != "" {
		r.Status = status
	}
	r.Version++
	r.UpdatedAt = m.now().UTC()
	return r.Clone(), nil
}

func (m *MemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f ListFilter) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(f.Search))
	var matched []*Record
	for _, r := range m.records {
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Fields.String(casefields.PatientName)), search) &&
			!strings.Contains(strings.ToLower(r.CaseID), search) {
			continue
		}
		matched = append(matched, r.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CaseID > matched[j].CaseID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *MemoryRepo) ReferencesFileKey(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		for _, k := range r.Fields.ScanFiles().Keys() {
			if k == key {
				return true, nil
			}
		}
	}
	return false, nil
}

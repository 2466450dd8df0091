package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/notification"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

// Notifier receives record events. *notification.Manager implements it.
type Notifier interface {
	RecordSubmitted(ctx context.Context, ev notification.RecordEvent)
	RecordUpdatedByStaff(ctx context.Context, ev notification.RecordEvent)
}

// Actor is the caller as seen through a role scope. OwnOnly restricts every
// operation to records the actor created.
type Actor struct {
	UserID  string
	Role    string
	OwnOnly bool
}

func (a Actor) canSee(r *Record) bool {
	return !a.OwnOnly || r.OwnerID == a.UserID
}

const caseIDAttempts = 5

type Service struct {
	repo     Repository
	notifier Notifier
	logger   zerolog.Logger
	metrics  *telemetry.Provider
	now      func() time.Time
}

func NewService(repo Repository, notifier Notifier, logger zerolog.Logger, metrics *telemetry.Provider) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With().Str("component", "patient").Logger(),
		metrics:  metrics,
		now:      time.Now,
	}
}

// -- Patient Record --

// Create stores a new draft record from validated step-1 fields.
func (s *Service) Create(ctx context.Context, actor Actor, fields Fields) (*Record, error) {
	if actor.UserID == "" {
		return nil, fmt.Errorf("owner is required")
	}
	rec := &Record{OwnerID: actor.UserID, Status: StatusDraft, Fields: fields}

	var err error
	for attempt := 0; attempt < caseIDAttempts; attempt++ {
		rec.CaseID = NewCaseID(s.now())
		if err = s.repo.Create(ctx, rec); !errors.Is(err, ErrDuplicateCaseID) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreated()
	s.logger.Info().Str("record_id", rec.ID.String()).Str("case_id", rec.CaseID).Str("owner_id", rec.OwnerID).Msg("patient record created")
	return rec, nil
}

// Get returns the record when actor may see it. Records outside the actor's
// scope are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canSee(rec) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Update merges fields into the record. A first non-empty scanFiles moves the
// record from draft to submitted.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, fields Fields, expectedVersion int) (*Record, error) {
	current, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	var status Status
	submitting := current.Status == StatusDraft && len(fields.ScanFiles()) > 0
	if submitting {
		status = StatusSubmitted
	}

	updated, err := s.repo.Patch(ctx, id, fields, status, expectedVersion)
	if err != nil {
		return nil, err
	}

	for _, step := range stepsOf(fields) {
		s.metrics.RecordUpdated(int(step))
	}
	s.logger.Info().Str("record_id", id.String()).Str("actor_id", actor.UserID).Int("version", updated.Version).Msg("patient record updated")

	ev := notification.RecordEvent{
		RecordID:    updated.ID.String(),
		CaseID:      updated.CaseID,
		PatientName: updated.Fields.String(casefields.PatientName),
		OwnerID:     updated.OwnerID,
		ActorID:     actor.UserID,
		ActorRole:   actor.Role,
		FileCount:   len(updated.Fields.ScanFiles()),
	}
	if submitting {
		s.metrics.RecordSubmitted()
		if s.notifier != nil {
			s.notifier.RecordSubmitted(ctx, ev)
		}
	}
	if s.notifier != nil && !actor.OwnOnly {
		s.notifier.RecordUpdatedByStaff(ctx, ev)
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("record_id", id.String()).Msg("patient record deleted")
	return nil
}

func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]*Record, int, error) {
	if actor.OwnOnly {
		f.OwnerID = actor.UserID
	}
	return s.repo.List(ctx, f)
}

// ReferencesFileKey lets the orphan reconciler ask whether key is in use.
func (s *Service) ReferencesFileKey(ctx context.Context, key string) (bool, error) {
	return s.repo.ReferencesFileKey(ctx, key)
}

func stepsOf(fields Fields) []casefields.Step {
	seen := map[casefields.Step]bool{}
	var steps []casefields.Step
	for k := range fields {
		if step, ok := casefields.OwnerOf(k); ok && !seen[step] {
			seen[step] = true
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps
}

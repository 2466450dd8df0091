// Package notification provides the in-app notification feed: message
// templates, memory/Postgres/MongoDB stores, a Manager that raises
// notifications on record events, and Echo HTTP handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

var ErrNotFound = errors.New("notification not found")

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Kind identifies the event a notification reports.
type Kind string

const (
	KindRecordSubmitted Kind = "record_submitted"
	KindRecordUpdated   Kind = "record_updated"
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification is addressed either to a single user (RecipientID) or to every
// holder of a role (RecipientRole). Role-addressed notifications have one
// shared read state.
type Notification struct {
	ID            string     `json:"id" bson:"_id"`
	RecipientID   string     `json:"recipientId,omitempty" bson:"recipient_id,omitempty"`
	RecipientRole string     `json:"recipientRole,omitempty" bson:"recipient_role,omitempty"`
	Kind          Kind       `json:"kind" bson:"kind"`
	Title         string     `json:"title" bson:"title"`
	Message       string     `json:"message" bson:"message"`
	RecordID      string     `json:"recordId,omitempty" bson:"record_id,omitempty"`
	CaseID        string     `json:"caseId,omitempty" bson:"case_id,omitempty"`
	ReadAt        *time.Time `json:"readAt,omitempty" bson:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"created_at"`
}

// Recipient identifies the caller reading the feed.
type Recipient struct {
	UserID string
	Roles  []string
}

// Matches reports whether n is addressed to r.
func (r Recipient) Matches(n *Notification) bool {
	if n.RecipientID != "" && n.RecipientID == r.UserID {
		return true
	}
	if n.RecipientRole != "" {
		for _, role := range r.Roles {
			if role == n.RecipientRole {
				return true
			}
		}
	}
	return false
}

// ListFilter narrows a feed query.
type ListFilter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store persists notifications. List returns newest first together with the
// total number of matches.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, r Recipient, f ListFilter) ([]*Notification, int, error)
	MarkRead(ctx context.Context, r Recipient, id string, at time.Time) error
	MarkAllRead(ctx context.Context, r Recipient, at time.Time) (int, error)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template renders the title and message of one kind of notification.
type Template struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Kind]*Template)}
	e.RegisterTemplate(Template{
		Kind:    KindRecordSubmitted,
		Title:   "New case submitted: {{case_id}}",
		Message: "{{patient_name}} ({{case_id}}) was submitted with {{file_count}} scan file(s).",
	})
	e.RegisterTemplate(Template{
		Kind:    KindRecordUpdated,
		Title:   "Case updated: {{case_id}}",
		Message: "{{patient_name}} ({{case_id}}) was updated by the {{actor_role}} team.",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Kind] = &t
}

// Render performs {{key}} replacement using data. Keys absent from data are
// left as-is.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (title, message string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", kind)
	}

	title, message = t.Title, t.Message
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		message = strings.ReplaceAll(message, placeholder, v)
	}
	return title, message, nil
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context, r Recipient, f ListFilter) ([]*Notification, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Notification
	for _, n := range s.notifications {
		if !r.Matches(n) || (f.UnreadOnly && n.ReadAt != nil) {
			continue
		}
		cp := *n
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
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

func (s *MemoryStore) MarkRead(_ context.Context, r Recipient, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || !r.Matches(n) {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, r Recipient, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.ReadAt == nil && r.Matches(n) {
			t := at
			n.ReadAt = &t
			count++
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// RecordEvent carries what the templates need about a patient record.
type RecordEvent struct {
	RecordID    string
	CaseID      string
	PatientName string
	OwnerID     string
	ActorID     string
	ActorRole   string
	FileCount   int
}

// Manager raises notifications for record events. Delivery failures are
// logged and never fail the triggering request.
type Manager struct {
	store     Store
	templates *TemplateEngine
	logger    zerolog.Logger
	metrics   *telemetry.Provider
	now       func() time.Time
}

func NewManager(store Store, tpl *TemplateEngine, logger zerolog.Logger, metrics *telemetry.Provider) *Manager {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Manager{
		store:     store,
		templates: tpl,
		logger:    logger.With().Str("component", "notification").Logger(),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Store returns the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// RecordSubmitted notifies the admin role that a case was submitted.
func (m *Manager) RecordSubmitted(ctx context.Context, ev RecordEvent) {
	m.send(ctx, KindRecordSubmitted, "", "admin", ev)
}

// RecordUpdatedByStaff notifies the record owner that staff changed the record.
// Nothing is sent when the owner made the change.
func (m *Manager) RecordUpdatedByStaff(ctx context.Context, ev RecordEvent) {
	if ev.OwnerID == "" || ev.OwnerID == ev.ActorID {
		return
	}
	m.send(ctx, KindRecordUpdated, ev.OwnerID, "", ev)
}

func (m *Manager) send(ctx context.Context, kind Kind, userID, role string, ev RecordEvent) {
	title, message, err := m.templates.Render(kind, map[string]string{
		"case_id":      ev.CaseID,
		"patient_name": ev.PatientName,
		"actor_role":   ev.ActorRole,
		"file_count":   fmt.Sprintf("%d", ev.FileCount),
	})
	if err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("render notification")
		return
	}

	n := &Notification{
		ID:            uuid.New().String(),
		RecipientID:   userID,
		RecipientRole: role,
		Kind:          kind,
		Title:         title,
		Message:       message,
		RecordID:      ev.RecordID,
		CaseID:        ev.CaseID,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.store.Create(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Str("record_id", ev.RecordID).Msg("store notification")
		return
	}
	m.metrics.NotificationSent(string(kind))
	m.logger.Debug().Str("kind", string(kind)).Str("record_id", ev.RecordID).Msg("notification created")
}

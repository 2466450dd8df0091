// Package notify polls the notification feed for a signed-in user and hands
// each new entry to a sink exactly once.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

var (
	ErrNoSession      = errors.New("notify: no authenticated session")
	ErrAlreadyRunning = errors.New("notify: poller already running")
)

// DefaultInterval is how often the feed is polled.
const DefaultInterval = 30 * time.Second

// Source is the part of the API client the poller needs.
type Source interface {
	Notifications(ctx context.Context, unreadOnly bool) ([]api.Notification, error)
}

// Sink receives each new notification once.
type Sink func(api.Notification)

// Option configures a Poller.
type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// Poller owns the polling goroutine. Its lifetime is tied to an
// authenticated session: Start refuses to run without a token.
type Poller struct {
	src      Source
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	seen   map[string]bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(src Source, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		src:      src,
		sink:     sink,
		interval: DefaultInterval,
		logger:   zerolog.Nop(),
		seen:     make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start polls once immediately and then every interval until Stop is called
// or ctx ends.
func (p *Poller) Start(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoSession
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
	return nil
}

// Stop ends polling and waits for the goroutine to exit. It is safe to call
// on a stopped poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the polling goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches unread notifications and delivers the ones not seen
// before. Fetch errors are logged; the next tick tries again.
func (p *Poller) PollOnce(ctx context.Context) []api.Notification {
	items, err := p.src.Notifications(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("poll notifications")
		}
		return nil
	}

	var fresh []api.Notification
	p.mu.Lock()
	for _, n := range items {
		if n.ID == "" || p.seen[n.ID] {
			continue
		}
		p.seen[n.ID] = true
		fresh = append(fresh, n)
	}
	p.mu.Unlock()

	// Feed is newest first; deliver oldest first.
	for i := len(fresh) - 1; i >= 0; i-- {
		if p.sink != nil {
			p.sink(fresh[i])
		}
	}
	return fresh
}

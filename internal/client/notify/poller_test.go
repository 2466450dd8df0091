package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

type fakeSource struct {
	mu    sync.Mutex
	items []api.Notification
	err   error
	calls int
}

func (f *fakeSource) Notifications(_ context.Context, unreadOnly bool) ([]api.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]api.Notification(nil), f.items...), nil
}

func (f *fakeSource) set(items ...api.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) sink(n api.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, n.ID)
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestPoller_StartRequiresToken(t *testing.T) {
	p := NewPoller(&fakeSource{}, nil)
	if err := p.Start(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if p.Running() {
		t.Error("poller must not run without a session")
	}
}

func TestPoller_PollOnceDedupes(t *testing.T) {
	src := &fakeSource{}
	col := &collector{}
	p := NewPoller(src, col.sink)
	ctx := context.Background()

	src.set(api.Notification{ID: "n2"}, api.Notification{ID: "n1"})
	if got := p.PollOnce(ctx); len(got) != 2 {
		t.Fatalf("expected 2 new, got %d", len(got))
	}
	src.set(api.Notification{ID: "n3"}, api.Notification{ID: "n2"}, api.Notification{ID: "n1"})
	if got := p.PollOnce(ctx); len(got) != 1 || got[0].ID != "n3" {
		t.Fatalf("expected only n3, got %+v", got)
	}

	ids := col.got()
	want := []string{"n1", "n2", "n3"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("expected %v, got %v", want, ids)
			break
		}
	}
}

func TestPoller_ErrorsAreNotFatal(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	p := NewPoller(src, nil)
	if got := p.PollOnce(context.Background()); got != nil {
		t.Errorf("expected nothing on error, got %v", got)
	}
}

func TestPoller_StartStop(t *testing.T) {
	src := &fakeSource{}
	src.set(api.Notification{ID: "n1"})
	col := &collector{}
	p := NewPoller(src, col.sink, WithInterval(5*time.Millisecond))

	if err := p.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background(), "tok"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	if p.Running() {
		t.Error("expected poller to be stopped")
	}

	calls := src.callCount()
	if calls < 3 {
		t.Errorf("expected at least 3 polls, got %d", calls)
	}
	if ids := col.got(); len(ids) != 1 {
		t.Errorf("expected n1 delivered once, got %v", ids)
	}

	time.Sleep(20 * time.Millisecond)
	if src.callCount() != calls {
		t.Error("expected no polls after Stop")
	}
	p.Stop()
}

package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// Send 5 requests (within burst size), all should pass
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := handler(c)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}

		// Verify X-RateLimit-Limit header is set
		limitHeader := rec.Header().Get("X-RateLimit-Limit")
		if limitHeader != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, limitHeader)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// First 2 requests should pass (burst size = 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		err := handler(c)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	// Third request should be rate limited
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)

	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// First request passes
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = handler(c)

	// Second request should be rate limited and include Retry-After
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	err := handler(c)

	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header to be set")
	}

	retryVal, parseErr := strconv.Atoi(retryAfter)
	if parseErr != nil {
		t.Fatalf("Retry-After header is not a valid integer: %q", retryAfter)
	}
	if retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %d", retryVal)
	}

	// Check X-RateLimit-Remaining is "0" for rate-limited requests
	remaining := rec.Header().Get("X-RateLimit-Remaining")
	if remaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", remaining)
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	send := func(userID string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), userID, []string{auth.RoleDoctor}))
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := send("dr-a"); err != nil {
		t.Fatalf("dr-a first request: expected no error, got %v", err)
	}
	if err := send("dr-a"); err == nil {
		t.Fatal("dr-a second request: expected rate limit error")
	}
	// same IP, separate bucket
	if err := send("dr-b"); err != nil {
		t.Fatalf("dr-b first request: expected no error, got %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 20 {
		t.Errorf("expected RequestsPerSecond 20, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 40 {
		t.Errorf("expected BurstSize 40, got %d", cfg.BurstSize)
	}
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLimiter_Refills(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1}, clock.now)

	if ok, _ := l.take("user:dr-a"); !ok {
		t.Fatal("expected first request to pass")
	}
	ok, retryAfter := l.take("user:dr-a")
	if ok {
		t.Fatal("expected second request to be limited")
	}
	if retryAfter != 1 {
		t.Errorf("expected Retry-After 1, got %d", retryAfter)
	}

	clock.advance(500 * time.Millisecond)
	if ok, _ := l.take("user:dr-a"); !ok {
		t.Error("expected a token after half a second at 2 rps")
	}
}

func TestLimiter_ZeroRateRetryAfter(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1}, clock.now)
	l.take("k")
	if ok, retryAfter := l.take("k"); ok || retryAfter != 1 {
		t.Errorf("expected refusal with Retry-After 1, got ok=%v retryAfter=%d", ok, retryAfter)
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute}, clock.now)

	for i := 0; i < 50; i++ {
		l.take(fmt.Sprintf("user:dr-%d", i))
	}
	if l.size() != 50 {
		t.Fatalf("expected 50 buckets, got %d", l.size())
	}

	clock.advance(30 * time.Second)
	l.take("user:dr-0")
	if l.size() != 50 {
		t.Errorf("expected no eviction before the idle window, got %d buckets", l.size())
	}

	clock.advance(45 * time.Second)
	l.take("user:dr-new")
	// dr-0 was seen 45s ago; everyone else has been idle 75s.
	if l.size() != 2 {
		t.Errorf("expected only recently active buckets to remain, got %d", l.size())
	}
}

func TestRateLimit_IdleCallerStartsWithFullBurst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1, IdleTTL: time.Minute}
	e := echo.New()
	handler := rateLimit(cfg, newLimiter(cfg, clock.now))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	send := func() error {
		return handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()))
	}

	if err := send(); err != nil {
		t.Fatalf("expected first request to pass, got %v", err)
	}
	if err := send(); err == nil {
		t.Fatal("expected second request to be limited")
	}
	clock.advance(2 * time.Minute)
	if err := send(); err != nil {
		t.Errorf("expected an evicted caller to start fresh, got %v", err)
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/domain/patient"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/blobstore"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/middleware"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/notification"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

const testSigningKey = "server-test-key"

type upPinger struct{}

func (upPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T, mutate func(*config.Config)) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Env:            "test",
		StoreDriver:    config.DriverMemory,
		BlobDriver:     config.DriverMemory,
		BlobMaxBytes:   1 << 20,
		AuthSigningKey: testSigningKey,
		CORSOrigins:    []string{"*"},
		RequestTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(Deps{
		Config:        cfg,
		Logger:        zerolog.Nop(),
		Metrics:       telemetry.NewProvider("servertest"),
		Records:       patient.NewMemoryRepo(),
		Notifications: notification.NewMemoryStore(),
		Pinger:        upPinger{},
		Blobs:         blobstore.NewMemoryStore("http://files.test", cfg.BlobMaxBytes),
		Ledger:        blobstore.NewMemoryOrphanLedger(),
	})
}

func signedToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.SignToken(auth.JWTConfig{SigningKey: []byte(testSigningKey)}, userID, []string{role}, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return token
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	return "Bearer " + signedToken(t, userID, role)
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	e := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patients", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body middleware.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "unauthorized" {
		t.Errorf("expected error code unauthorized, got %q", body.Error)
	}
}

func TestDoctorCannotReachAdminRoutes(t *testing.T) {
	e := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/patients", nil)
	req.Header.Set("Authorization", bearer(t, "dr-a", auth.RoleDoctor))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestAPIRateLimitedPerUser(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	get := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
		req.Header.Set("Authorization", bearer(t, userID, auth.RoleDoctor))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := get("dr-a"); code != http.StatusOK {
		t.Fatalf("expected 200 on first request, got %d", code)
	}
	if code := get("dr-a"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 on second request, got %d", code)
	}
	if code := get("dr-b"); code != http.StatusOK {
		t.Errorf("expected another doctor to be unaffected, got %d", code)
	}
}

func TestDatabaseHealth(t *testing.T) {
	e := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsExposeRequestHistogram(t *testing.T) {
	e := newTestServer(t, nil)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "servertest_http_request_duration_seconds") {
		t.Error("expected request duration histogram in /metrics output")
	}
}

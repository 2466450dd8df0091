package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func requestWithRoles(roles ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if roles != nil {
		req = req.WithContext(WithPrincipal(context.Background(), "user-1", roles))
	}
	return req
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(requestWithRoles(RoleDoctor), rec)

	err := RequireRole(RoleDoctor)(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminPassesEverything(t *testing.T) {
	e := echo.New()
	c := e.NewContext(requestWithRoles(RoleAdmin), httptest.NewRecorder())

	if err := RequireRole(RoleDistributor)(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	c := e.NewContext(requestWithRoles(RolePlanner), httptest.NewRecorder())

	err := RequireRole(RoleDoctor, RoleDistributor)(okHandler)(c)
	if err == nil {
		t.Fatal("expected error for insufficient role")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_NoPrincipal(t *testing.T) {
	e := echo.New()
	c := e.NewContext(requestWithRoles(), httptest.NewRecorder())

	err := RequireRole(RoleDoctor)(okHandler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestIsPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/files/scans/abc.png", true},
		{"/api/patients", false},
		{"/api/storage/objects", false},
	}
	for _, tt := range tests {
		if got := IsPublicPath(tt.path); got != tt.want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

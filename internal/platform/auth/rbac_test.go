package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(c echo.Context, roles ...string) {
	ctx := context.WithValue(c.Request().Context(), UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, RolePatient)

	called := false
	err := RequireRole(RolePatient)(func(c echo.Context) error { called = true; return nil })(c)
	if err != nil || !called {
		t.Fatalf("expected handler call, got err=%v called=%v", err, called)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, RolePatient)

	err := RequireRole(RoleAdmin)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminIsNotPatient(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, RoleAdmin)

	err := RequireRole(RolePatient)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	if UserIDFromContext(ctx) != "" || RolesFromContext(ctx) != nil || OrganizationIDFromContext(ctx) != "" {
		t.Error("expected zero values from empty context")
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func roleRequest(role string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(WithIdentity(req.Context(), "u1", role))
}

func TestRequireRole_Allowed(t *testing.T) {
	err := runAuth(RequireRole(RoleAdmin, RoleDoctor), roleRequest(RoleDoctor), ok)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := runAuth(RequireRole(RoleAdmin), roleRequest(RolePatient), ok)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err := runAuth(RequireRole(RolePatient), req, ok)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_SuperAdminBypass(t *testing.T) {
	err := runAuth(RequireRole(RoleDoctor), roleRequest(RoleSuperAdmin), ok)
	if err != nil {
		t.Error("superadmin should bypass role checks")
	}
}

func TestRequireRole_AdminIsNotSuper(t *testing.T) {
	err := runAuth(RequireRole(RoleDoctor), roleRequest(RoleAdmin), func(c echo.Context) error {
		t.Error("handler should not run")
		return nil
	})
	expectStatus(t, err, http.StatusForbidden)
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestIssueAndValidatePreviewToken(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	token, err := issuer.IssuePreviewToken("user-1", "proj-1", "sb-1", 3042, time.Minute)
	if err != nil {
		t.Fatalf("IssuePreviewToken() error: %v", err)
	}

	claims, err := issuer.ValidatePreviewToken(token)
	if err != nil {
		t.Fatalf("ValidatePreviewToken() error: %v", err)
	}
	if claims.UserID != "user-1" || claims.ProjectID != "proj-1" || claims.SandboxID != "sb-1" || claims.DevPort != 3042 {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidatePreviewToken_Expired(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")

	token, err := issuer.IssuePreviewToken("user-1", "proj-1", "sb-1", 3042, -time.Minute)
	if err != nil {
		t.Fatalf("IssuePreviewToken() error: %v", err)
	}
	if _, err := issuer.ValidatePreviewToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidatePreviewToken_WrongSecret(t *testing.T) {
	token, err := NewJWTIssuer("secret-a").IssuePreviewToken("user-1", "proj-1", "sb-1", 3042, time.Minute)
	if err != nil {
		t.Fatalf("IssuePreviewToken() error: %v", err)
	}
	if _, err := NewJWTIssuer("secret-b").ValidatePreviewToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestPreviewJWTMiddleware(t *testing.T) {
	issuer := NewJWTIssuer("test-secret")
	e := echo.New()
	e.GET("/projects/:id/app", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, PreviewJWTMiddleware(issuer))

	token, err := issuer.IssuePreviewToken("user-1", "proj-1", "sb-1", 3042, time.Minute)
	if err != nil {
		t.Fatalf("IssuePreviewToken() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/app", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rec.Code)
	}

	// Same token against another project must be refused.
	req = httptest.NewRequest(http.MethodGet, "/projects/proj-2/app", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for mismatched project, got %d", rec.Code)
	}

	// Token via query param for iframe embedding.
	req = httptest.NewRequest(http.MethodGet, "/projects/proj-1/app?token="+token, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with query token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/proj-1/app", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

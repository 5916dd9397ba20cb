package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	pkgAuth "github.com/cadencehq/cadence-backend/pkg/auth"
	"github.com/cadencehq/cadence-backend/pkg/config"
)

func authTestConfig() config.JWTConfig {
	return config.JWTConfig{Secret: "test-secret", Issuer: "cadence", ExpirationMinutes: 15}
}

func mintTestToken(t *testing.T, cfg config.JWTConfig, tenantID uuid.UUID, scopes ...string) string {
	t.Helper()
	token, err := pkgAuth.MintServiceToken(cfg, time.Now(), pkgAuth.ServiceTokenPayload{
		TenantID: tenantID,
		Service:  "product-api",
		Scopes:   scopes,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestAuthRejectsMissingToken(t *testing.T) {
	handlerCalled := false
	handler := Auth(authTestConfig(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
	if handlerCalled {
		t.Fatal("handler should not run without credentials")
	}
}

func TestAuthRejectsForgedToken(t *testing.T) {
	cfg := authTestConfig()
	forged := mintTestToken(t, config.JWTConfig{Secret: "other-secret", Issuer: "cadence", ExpirationMinutes: 15}, uuid.New())

	handler := Auth(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthSeedsTenantContext(t *testing.T) {
	cfg := authTestConfig()
	tenantID := uuid.New()

	var gotTenant uuid.UUID
	var gotService string
	handler := Auth(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = TenantIDFromContext(r.Context())
		gotService = ServiceFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer "+mintTestToken(t, cfg, tenantID))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if gotTenant != tenantID {
		t.Fatalf("tenant = %s, want %s", gotTenant, tenantID)
	}
	if gotService != "product-api" {
		t.Fatalf("service = %q, want product-api", gotService)
	}
}

func TestRequireScope(t *testing.T) {
	cfg := authTestConfig()
	tenantID := uuid.New()
	handler := RequireScope(cfg, "credits:grant", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/grant", nil)
	req.Header.Set("Authorization", "Bearer "+mintTestToken(t, cfg, tenantID))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without scope, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/credits/grant", nil)
	req.Header.Set("Authorization", "Bearer "+mintTestToken(t, cfg, tenantID, "credits:grant"))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with scope, got %d", resp.Code)
	}
}

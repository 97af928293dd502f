package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"pipecrm.org/internal/auth"
)

func TestWithAuthAllowsPublicPaths(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rr := ta.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 without credentials, got %d", path, rr.Code)
		}
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodGet, "/v1/users/some-id", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthRejectsGarbageToken(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodGet, "/v1/users/some-id", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthRejectsRefreshTokenAsAccess(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	body := ta.login(t, "jo@example.com")
	refresh := body["refresh_token"].(string)

	rr := ta.do(t, http.MethodGet, "/v1/users/some-id", refresh, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token must not authenticate requests, got %d", rr.Code)
	}
}

func TestWithAuthRejectsDeletedIdentity(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	body := ta.login(t, "jo@example.com")
	access := body["access_token"].(string)
	id := ta.identityID(t, "jo@example.com")

	if rr := ta.do(t, http.MethodGet, "/v1/users/"+id, access, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before deletion, got %d", rr.Code)
	}
	if rr := ta.do(t, http.MethodDelete, "/v1/users/"+id, access, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting self, got %d", rr.Code)
	}
	if rr := ta.do(t, http.MethodGet, "/v1/users/"+id, access, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("deleted identity must not authenticate, got %d", rr.Code)
	}
}

func TestSelfOrAdminGate(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	ta.registerVerified(t, "sam@example.com")
	joID := ta.identityID(t, "jo@example.com")
	samID := ta.identityID(t, "sam@example.com")

	joToken := ta.login(t, "jo@example.com")["access_token"].(string)

	// Self access is allowed, peer access is not.
	if rr := ta.do(t, http.MethodGet, "/v1/users/"+joID, joToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("self access: expected 200, got %d", rr.Code)
	}
	if rr := ta.do(t, http.MethodGet, "/v1/users/"+samID, joToken, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("peer access: expected 403, got %d", rr.Code)
	}

	// An admin may read anyone.
	ta.promoteToAdmin(t, joID)
	joToken = ta.login(t, "jo@example.com")["access_token"].(string)
	if rr := ta.do(t, http.MethodGet, "/v1/users/"+samID, joToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("admin access: expected 200, got %d", rr.Code)
	}
}

func salesContext(r *http.Request) *http.Request {
	principal := auth.Principal{
		Identity: &auth.Identity{ID: "user-1"},
		Roles:    []string{"sales"},
	}
	return r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))
}

func TestRequireRoleRejectsRoleOutsideSet(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := salesContext(httptest.NewRequest(http.MethodGet, "/internal", nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleAllowsAnyAllowedRole(t *testing.T) {
	handler := RequireRole("admin", "sales")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := salesContext(httptest.NewRequest(http.MethodGet, "/internal", nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingPrincipal(t *testing.T) {
	handler := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestPermissionCatalogIsAdminOnly(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	token := ta.login(t, "jo@example.com")["access_token"].(string)

	rr := ta.do(t, http.MethodGet, "/v1/permissions", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("customer must not read the catalog, got %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatalf("expected error for empty header")
	}
	if _, err := extractBearerToken("Basic Zm9vOmJhcg=="); err == nil {
		t.Fatalf("expected error for non-bearer scheme")
	}
	if _, err := extractBearerToken("Bearer "); err == nil {
		t.Fatalf("expected error for empty token")
	}
	token, err := extractBearerToken("bearer abc.def.ghi")
	if err != nil {
		t.Fatalf("case-insensitive scheme should parse: %v", err)
	}
	if token != "abc.def.ghi" {
		t.Fatalf("unexpected token %q", token)
	}
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterLoginFlow(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	body := ta.login(t, "jo@example.com")
	if body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("expected token pair in response: %v", body)
	}
	if body["token_type"] != "Bearer" {
		t.Fatalf("expected Bearer token type, got %v", body["token_type"])
	}
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("expected user object in response")
	}
	if _, found := user["password_hash"]; found {
		t.Fatalf("password hash must never be serialized")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	rr := ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"name":     "Other",
		"email":    "jo@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate account, got %d", rr.Code)
	}
}

func TestLoginBeforeVerificationForbidden(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"name":     "Jo",
		"email":    "jo@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rr.Code)
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "jo@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before verification, got %d", rr.Code)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "jo@example.com",
		"password": "wrongwrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestLoginThrottled(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	for i := 0; i < 5; i++ {
		rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
			"email":    "jo@example.com",
			"password": "wrongwrong",
		})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rr.Code)
		}
	}

	rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "jo@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after five failures, got %d", rr.Code)
	}
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":       "jo@example.com",
		"password":    "hunter2hunter2",
		"remember_me": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rr.Code)
	}
	cookie := findCookie(rr, refreshCookie)
	if cookie == nil {
		t.Fatalf("expected %s cookie", refreshCookie)
	}
	if !cookie.HttpOnly {
		t.Fatalf("refresh cookie must be HttpOnly")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("refresh cookie must be SameSite=Strict")
	}
	if cookie.MaxAge <= 0 {
		t.Fatalf("remember_me login must set a persistent cookie, got MaxAge=%d", cookie.MaxAge)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	body := ta.login(t, "jo@example.com")
	refresh := body["refresh_token"].(string)

	rr := ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", map[string]any{
		"refresh_token": refresh,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	// The superseded token must be rejected on replay.
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", map[string]any{
		"refresh_token": refresh,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on replay, got %d", rr.Code)
	}
}

func TestRefreshKeepsCookiePersistence(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")

	// A session login rotates into another session cookie.
	rr := ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "jo@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", map[string]any{
		"refresh_token": body["refresh_token"].(string),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	cookie := findCookie(rr, refreshCookie)
	if cookie == nil {
		t.Fatalf("expected %s cookie on rotation", refreshCookie)
	}
	if cookie.MaxAge != 0 {
		t.Fatalf("session login must rotate into a session cookie, got MaxAge=%d", cookie.MaxAge)
	}

	// A remember-me login keeps its persistent cookie through rotation.
	rr = ta.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":       "jo@example.com",
		"password":    "hunter2hunter2",
		"remember_me": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("remember_me login: expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", map[string]any{
		"refresh_token": body["refresh_token"].(string),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	cookie = findCookie(rr, refreshCookie)
	if cookie == nil {
		t.Fatalf("expected %s cookie on rotation", refreshCookie)
	}
	if cookie.MaxAge <= 0 {
		t.Fatalf("remember_me login must rotate into a persistent cookie, got MaxAge=%d", cookie.MaxAge)
	}
}

func TestRefreshFromCookie(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	body := ta.login(t, "jo@example.com")
	refresh := body["refresh_token"].(string)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh-token", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookie, Value: refresh})
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("cookie refresh: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
}

func TestRefreshWithoutTokenBadRequest(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	body := ta.login(t, "jo@example.com")
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)
	id := ta.identityID(t, "jo@example.com")

	rr := ta.do(t, http.MethodPost, "/v1/auth/logout", access, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	cookie := findCookie(rr, refreshCookie)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Fatalf("logout must clear the refresh cookie")
	}

	// The blacklisted access token is refused on protected routes.
	rr = ta.do(t, http.MethodGet, "/v1/users/"+id, access, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for revoked token, got %d", rr.Code)
	}

	// The refresh slot is gone too.
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh-token", "", map[string]any{
		"refresh_token": refresh,
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 refreshing after logout, got %d", rr.Code)
	}
}

func TestLogoutIsIdempotentOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.registerVerified(t, "jo@example.com")
	access := ta.login(t, "jo@example.com")["access_token"].(string)

	rr := ta.do(t, http.MethodPost, "/v1/auth/logout", access, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("first logout: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	// Repeating logout with the now-blacklisted token still succeeds.
	rr = ta.do(t, http.MethodPost, "/v1/auth/logout", access, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second logout: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	// Other protected routes keep rejecting the revoked token.
	id := ta.identityID(t, "jo@example.com")
	rr = ta.do(t, http.MethodGet, "/v1/users/"+id, access, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on protected route, got %d", rr.Code)
	}
}

func TestLogoutWithoutTokenUnauthorized(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodPost, "/v1/auth/logout", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"issuemirror/api/internal/auth"
	"issuemirror/api/internal/authpw"
	"issuemirror/api/internal/session"
	"issuemirror/api/internal/store"
)

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func sessionCookies(rr *httptest.ResponseRecorder) []*http.Cookie {
	return rr.Result().Cookies()
}

func TestRegisterCreatesUserAndQueuesFlash(t *testing.T) {
	var gotUser, gotPassword string
	fa := &fakeAccounts{
		registerFn: func(_ context.Context, username, password string) (store.User, error) {
			gotUser, gotPassword = username, password
			return store.User{ID: "usr_1", Username: username}, nil
		},
	}
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, fa)

	rr := env.do(jsonRequest(http.MethodPost, "/api/users/create", `{"username":"ada","password":"correct horse battery"}`), nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotUser != "ada" || gotPassword != "correct horse battery" {
		t.Fatalf("unexpected register args %q %q", gotUser, gotPassword)
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), sessionCookies(rr))
	payload := decodeJSON(t, rr)
	if payload["authenticated"] != false {
		t.Fatalf("registration must not log in, got %v", payload)
	}
	flash, _ := payload["flash"].(map[string]any)
	if flash == nil || !strings.Contains(flash["text"].(string), "Welcome ada!") {
		t.Fatalf("expected welcome flash, got %v", payload["flash"])
	}
}

func TestRegisterMapsAccountErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"taken", fmt.Errorf("register: %w", authpw.ErrUsernameTaken), http.StatusConflict, "USERNAME_TAKEN"},
		{"invalid", fmt.Errorf("%w: password must be at least 10 characters", authpw.ErrInvalidInput), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fa := &fakeAccounts{
				registerFn: func(context.Context, string, string) (store.User, error) { return store.User{}, tc.err },
			}
			env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, fa)

			rr := env.do(jsonRequest(http.MethodPost, "/api/users/create", `{"username":"ada","password":"short"}`), nil)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := decodeJSON(t, rr)["code"]; code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, code)
			}
		})
	}
}

func TestRegisterRequiresAnonymous(t *testing.T) {
	called := false
	fa := &fakeAccounts{
		registerFn: func(context.Context, string, string) (store.User, error) {
			called = true
			return store.User{}, nil
		},
	}
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, fa)

	rr := env.do(jsonRequest(http.MethodPost, "/api/users/create", `{"username":"bob","password":"correct horse battery"}`), env.loginAs(t, "ada"))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if called {
		t.Fatal("register must not run for an authenticated session")
	}
}

func TestLoginRegeneratesSession(t *testing.T) {
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, &fakeAccounts{})

	// An anonymous session with a pending flash exists before login.
	pre := httptest.NewRecorder()
	anonymous, err := env.sessions.SetFlash(context.Background(), pre, session.State{}, session.Flash{Type: session.FlashSuccess, Text: "hello"})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rr := env.do(jsonRequest(http.MethodPost, "/api/users/login", `{"username":"ada","password":"correct horse battery"}`), sessionCookies(pre))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if env.redis.Exists("session:" + auth.HashToken(anonymous.ID)) {
		t.Fatal("pre-login session must be deleted")
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), sessionCookies(rr))
	payload := decodeJSON(t, rr)
	if payload["authenticated"] != true || payload["userName"] != "ada" {
		t.Fatalf("expected authenticated session, got %v", payload)
	}
}

func TestLoginFailure(t *testing.T) {
	fa := &fakeAccounts{
		authenticateFn: func(context.Context, string, string) (store.User, error) {
			return store.User{}, authpw.ErrInvalidCredentials
		},
	}
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, fa)

	rr := env.do(jsonRequest(http.MethodPost, "/api/users/login", `{"username":"ada","password":"nope nope nope"}`), nil)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeJSON(t, rr)["code"]; code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", code)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatal("failed login must not set a session cookie")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, &fakeAccounts{})

	rr := env.do(jsonRequest(http.MethodPost, "/api/users/login", `{"username":`), nil)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, &fakeAccounts{})
	cookies := env.loginAs(t, "ada")

	rr := env.do(httptest.NewRequest(http.MethodPost, "/api/users/logout", nil), cookies)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), cookies)
	if payload := decodeJSON(t, rr); payload["authenticated"] != false {
		t.Fatalf("old cookie must not authenticate after logout, got %v", payload)
	}
}

func TestLogoutAnonymousIsNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, &fakeAccounts{})

	rr := env.do(httptest.NewRequest(http.MethodPost, "/api/users/logout", nil), nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSessionEndpointAnonymous(t *testing.T) {
	env := newTestEnv(t, &fakeStore{}, &fakeTracker{}, &fakeAccounts{})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/session", nil), nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeJSON(t, rr)
	if payload["authenticated"] != false || payload["userName"] != nil || payload["flash"] != nil {
		t.Fatalf("unexpected anonymous session payload: %v", payload)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", got)
	}
}

package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/nexlevel/internal/auth"
	"github.com/hyperengineering/nexlevel/internal/store"
)

// stubAuth accepts one token and fails every other with err.
type stubAuth struct {
	token  string
	userID string
	err    error
}

func (a stubAuth) Authenticate(token string) (string, error) {
	if token == a.token {
		return a.userID, nil
	}
	return "", a.err
}

// mockHandler is a simple handler that records if it was called
func mockHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}), &called
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var gotUser string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = MustUserID(r.Context())
	})
	mw := AuthMiddleware(stubAuth{token: "good", userID: "u1", err: auth.ErrUnauthenticated}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUser != "u1" {
		t.Errorf("user id = %q, want u1", gotUser)
	}
}

func TestAuthMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name   string
		header string
		err    error
		code   string
	}{
		{"missing header", "", auth.ErrUnauthenticated, CodeUnauthenticated},
		{"wrong scheme", "Basic abc", auth.ErrUnauthenticated, CodeUnauthenticated},
		{"forged token", "Bearer forged", auth.ErrUnauthenticated, CodeUnauthenticated},
		{"expired token", "Bearer old", auth.ErrTokenExpired, CodeTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, called := mockHandler()
			mw := AuthMiddleware(stubAuth{token: "good", userID: "u1", err: tt.err}, nil)(handler)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mw.ServeHTTP(w, req)

			if *called {
				t.Error("handler should not be called")
			}
			expectProblem(t, w, http.StatusUnauthorized, tt.code)
		})
	}
}

func TestAuthMiddleware_QueryTokenOnlyForWebsocket(t *testing.T) {
	handler, called := mockHandler()
	mw := AuthMiddleware(stubAuth{token: "good", userID: "u1", err: auth.ErrUnauthenticated}, nil)(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?access_token=good", nil)
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if *called || w.Code != http.StatusUnauthorized {
		t.Errorf("plain request with query token: called=%v status=%d", *called, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?access_token=good", nil)
	req.Header.Set("Connection", "upgrade")
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if !*called {
		t.Error("websocket upgrade with query token was rejected")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	RecoveryMiddleware(handler).ServeHTTP(w, req)

	p := expectProblem(t, w, http.StatusInternalServerError, CodeInternal)
	if strings.Contains(p.Detail, "boom") {
		t.Errorf("detail leaks panic value: %q", p.Detail)
	}
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	LoggingMiddleware(handler).ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	handler, _ := mockHandler()
	mw := l.Middleware(handler)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		mw.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := send("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Errorf("over-burst status = %d, want 429", code)
	}
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", code)
	}

	now = now.Add(time.Second)
	if code := send("10.0.0.1:1234"); code != http.StatusOK {
		t.Errorf("after refill status = %d, want 200", code)
	}

	now = now.Add(10 * time.Minute)
	if dropped := l.Cleanup(3 * time.Minute); dropped != 2 {
		t.Errorf("Cleanup() dropped %d, want 2", dropped)
	}
}

func TestBasicAuthMiddleware(t *testing.T) {
	handler, _ := mockHandler()
	mw := BasicAuthMiddleware("prom", "scrape")(handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid credentials status = %d, want 200", w.Code)
	}

	open, called := mockHandler()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	BasicAuthMiddleware("", "")(open).ServeHTTP(httptest.NewRecorder(), req)
	if !*called {
		t.Error("empty username should disable the check")
	}
}

func newIdempotencyStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIdempotencyMiddleware_Replays(t *testing.T) {
	st := newIdempotencyStore(t)
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		writeJSON(w, http.StatusCreated, map[string]int32{"call": n})
	})
	mw := IdempotencyMiddleware(st, time.Hour)(handler)

	send := func(userID, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/user-challenges/i1/check-ins", nil)
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		req = req.WithContext(WithUserID(req.Context(), userID))
		w := httptest.NewRecorder()
		mw.ServeHTTP(w, req)
		return w
	}

	first := send("u1", "k1")
	second := send("u1", "k1")
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %q, want %d %q", second.Code, second.Body.String(), first.Code, first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay missing Idempotent-Replayed header")
	}

	send("u2", "k1")
	send("u1", "")
	if calls.Load() != 3 {
		t.Errorf("handler called %d times, want 3 (other user and unkeyed run)", calls.Load())
	}
}

func TestIdempotencyMiddleware_SkipsServerErrors(t *testing.T) {
	st := newIdempotencyStore(t)
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		MapError(w, r, errors.New("db exploded"))
	})
	mw := IdempotencyMiddleware(st, time.Hour)(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/user-challenges/i1/check-ins", nil)
		req.Header.Set(IdempotencyKeyHeader, "k1")
		req = req.WithContext(WithUserID(req.Context(), "u1"))
		mw.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2", calls.Load())
	}
}

func TestIdempotencyMiddleware_KeyTooLong(t *testing.T) {
	st := newIdempotencyStore(t)
	handler, called := mockHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/user-challenges/i1/check-ins", nil)
	req.Header.Set(IdempotencyKeyHeader, strings.Repeat("k", maxIdempotencyKeyLength+1))
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	w := httptest.NewRecorder()
	IdempotencyMiddleware(st, time.Hour)(handler).ServeHTTP(w, req)

	if *called {
		t.Error("handler should not be called")
	}
	expectProblem(t, w, http.StatusBadRequest, CodeBadRequest)
}

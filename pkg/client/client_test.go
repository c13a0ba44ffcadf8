package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperengineering/nexlevel/internal/api"
	"github.com/hyperengineering/nexlevel/internal/auth"
	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
)

const testSecret = "client-test-secret-with-32-bytes!!!!"

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := notify.NewHub(notify.DefaultBuffer, nil)
	emitter := notify.NewEmitter(st, hub, nil, nil)
	challenges := challenge.NewService(st, st, emitter, challenge.Config{})
	h := api.NewHandler(api.Deps{
		Auth:       auth.NewService(st, auth.NewTokens(testSecret, "nexlevel", time.Hour), bcrypt.MinCost, nil),
		Challenges: challenges,
		Inbox:      notify.NewInbox(st),
		Hub:        hub,
		Stats:      st,
		Version:    "test",
	})
	srv := httptest.NewServer(api.NewRouter(h, api.RouterConfig{Idempotency: st}))
	t.Cleanup(srv.Close)
	return srv
}

func newUser(t *testing.T, baseURL, name string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL})
	require.NoError(t, err)
	_, err = c.Signup(context.Background(), SignupRequest{
		Email:       name + "@example.com",
		Password:    "correct-horse-battery",
		DisplayName: name,
	})
	require.NoError(t, err)
	require.NotEmpty(t, c.Token())
	return c
}

func TestClient_PartnerCheckInFlow(t *testing.T) {
	ctx := context.Background()
	srv := newAPIServer(t)
	alice := newUser(t, srv.URL, "alice")
	bob := newUser(t, srv.URL, "bob")

	bobUser, err := bob.Me(ctx)
	require.NoError(t, err)

	def, err := alice.CreateChallenge(ctx, ChallengeInput{
		Name:         "Read 10 pages",
		Frequency:    Frequency{Kind: types.FrequencyDaily},
		DurationDays: 14,
		Tasks:        []TaskInput{{Title: "Read"}},
	})
	require.NoError(t, err)

	inst, err := alice.JoinChallenge(ctx, def.ID, JoinChallengeRequest{PartnerIDs: []string{bobUser.ID}})
	require.NoError(t, err)
	_, err = bob.AcceptInvitation(ctx, inst.ID)
	require.NoError(t, err)

	// Same key twice records one check-in
	req := CheckInRequest{TaskID: def.Tasks[0].ID}
	first, err := alice.CheckInWithKey(ctx, inst.ID, "key-1", req)
	require.NoError(t, err)
	again, err := alice.CheckInWithKey(ctx, inst.ID, "key-1", req)
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.True(t, first.DayCompleted)

	// A fresh key appends another entry without a second day credit
	second, err := alice.CheckIn(ctx, inst.ID, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entry.ID, second.Entry.ID)

	progress, err := alice.Progress(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.CurrentStreak)
	require.Len(t, progress.Tasks, 1)
	assert.Equal(t, 2, progress.Tasks[0].CompletedCount)

	list, err := bob.Notifications(ctx, true, 10)
	require.NoError(t, err)
	var partner []Notification
	for _, n := range list.Notifications {
		if n.Type == types.NotificationPartnerComplete {
			partner = append(partner, n)
		}
	}
	require.Len(t, partner, 1)

	read, err := bob.MarkRead(ctx, partner[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	_, err = bob.MarkAllRead(ctx)
	require.NoError(t, err)

	mine, err := bob.MyChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, inst.ID, mine[0].Instance.ID)

	require.NoError(t, bob.Exit(ctx, inst.ID, "travelling"))
	require.NoError(t, bob.Exit(ctx, inst.ID, "travelling"))
}

func TestClient_ErrorDecoding(t *testing.T) {
	ctx := context.Background()
	srv := newAPIServer(t)

	anon, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = anon.Me(ctx)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, CodeUnauthenticated, apiErr.Code)
	assert.True(t, errors.Is(err, &Error{Code: CodeUnauthenticated}))

	alice := newUser(t, srv.URL, "alice")
	_, err = alice.CreateChallenge(ctx, ChallengeInput{Name: ""})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeValidation, apiErr.Code)
	assert.NotEmpty(t, apiErr.Errors)

	_, err = alice.Challenge(ctx, "missing")
	assert.True(t, HasCode(err, CodeNotFound), "got %v", err)
}

func TestClient_CheckInRetriesUnavailable(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		attempt := len(keys)
		mu.Unlock()

		if attempt < 3 {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":503,"code":"SERVICE_UNAVAILABLE","detail":"service unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"entry":{"id":"e1","task_id":"t1"},"progress":{"current_streak":1},"day_completed":true}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "tok", RetryBase: time.Millisecond})
	require.NoError(t, err)

	resp, err := c.CheckIn(context.Background(), "i1", CheckInRequest{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "e1", resp.Entry.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])
}

func TestClient_CheckInDoesNotRetryDomainErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":422,"code":"PROOF_REQUIRED","detail":"photo proof required"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RetryBase: time.Millisecond})
	require.NoError(t, err)

	_, err = c.CheckIn(context.Background(), "i1", CheckInRequest{TaskID: "t1"})
	assert.True(t, HasCode(err, CodeProofRequired), "got %v", err)
	assert.Equal(t, 1, calls)
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// memStore is an in-memory Store keyed by notification id.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]types.Notification
	failFor string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]types.Notification)}
}

func (m *memStore) InsertNotification(_ context.Context, n *types.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.RecipientID == m.failFor {
		return false, errors.New("disk full")
	}
	if _, ok := m.rows[n.ID]; ok {
		return false, nil
	}
	m.rows[n.ID] = *n
	return true, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []types.Notification
}

func (p *recordingPublisher) Publish(n types.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, n)
}

func TestNotificationID_Deterministic(t *testing.T) {
	a := NotificationID(CheckInDaySource("i1", "alice", "2024-01-01"), "bob")
	b := NotificationID(CheckInDaySource("i1", "alice", "2024-01-01"), "bob")
	if a != b {
		t.Errorf("NotificationID() not deterministic: %s != %s", a, b)
	}
	if c := NotificationID(CheckInDaySource("i1", "alice", "2024-01-01"), "carol"); c == a {
		t.Error("NotificationID() equal for different recipients")
	}
	if d := NotificationID(CheckInDaySource("i1", "alice", "2024-01-02"), "bob"); d == a {
		t.Error("NotificationID() equal for different days")
	}
}

func TestSourceIDs(t *testing.T) {
	tests := map[string]string{
		CheckInDaySource("i", "u", "2024-01-01"): "checkin-day:i:u:2024-01-01",
		MilestoneSource("i", "u", 7):             "milestone:i:u:7",
		InviteSource("i", "a", "b"):              "invite:i:a:b",
		ExitSource("i", "u"):                     "exit:i:u",
		CompleteSource("i"):                      "complete:i",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("source = %q, want %q", got, want)
		}
	}
}

func TestEmit_OncePerEventAndRecipient(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	e := NewEmitter(store, pub, nil, nil)
	ev := Event{
		SourceID:   CheckInDaySource("i1", "alice", "2024-01-01"),
		Type:       types.NotificationPartnerComplete,
		ActorID:    "alice",
		InstanceID: "i1",
	}

	created, err := e.Emit(context.Background(), ev, "bob", "carol")
	if err != nil || created != 2 {
		t.Fatalf("Emit() = %d, %v; want 2", created, err)
	}
	created, err = e.Emit(context.Background(), ev, "bob", "carol")
	if err != nil || created != 0 {
		t.Fatalf("Emit() retry = %d, %v; want 0", created, err)
	}

	if len(store.rows) != 2 {
		t.Errorf("stored = %d, want 2", len(store.rows))
	}
	if len(pub.published) != 2 {
		t.Errorf("published = %d, want 2", len(pub.published))
	}
}

func TestEmit_ConcurrentRetriesCreateOnce(t *testing.T) {
	store := newMemStore()
	e := NewEmitter(store, nil, nil, nil)
	ev := Event{SourceID: ExitSource("i1", "alice"), Type: types.NotificationChallengeExit}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := e.Emit(context.Background(), ev, "bob")
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("created total = %d, want 1", total)
	}
}

func TestEmit_ContinuesPastFailures(t *testing.T) {
	store := newMemStore()
	store.failFor = "bob"
	e := NewEmitter(store, nil, nil, nil)

	created, err := e.Emit(context.Background(), Event{SourceID: "s", Type: types.NotificationChallengeExit}, "bob", "", "carol")
	if err == nil {
		t.Fatal("Emit() error = nil, want failure for bob")
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if _, ok := store.rows[NotificationID("s", "carol")]; !ok {
		t.Error("carol's notification missing")
	}
}

func TestRender(t *testing.T) {
	n := types.Notification{
		Type:    types.NotificationPartnerComplete,
		Payload: map[string]any{"actor_name": "Alice", "challenge_name": "Morning run"},
	}
	title, body := Render(n)
	if title != "Partner checked in" || body != "Alice completed today's Morning run." {
		t.Errorf("Render() = %q, %q", title, body)
	}

	n = types.Notification{Type: types.NotificationStreakMilestone, Payload: map[string]any{"threshold": 7}}
	if _, body := Render(n); body != "You reached a 7-day streak in your challenge!" {
		t.Errorf("Render(milestone) body = %q", body)
	}
}

func TestPushData(t *testing.T) {
	data := PushData(types.Notification{ID: "n1", Type: types.NotificationChallengeExit, InstanceID: "i1"})
	if data["notification_id"] != "n1" || data["instance_id"] != "i1" {
		t.Errorf("PushData() = %v", data)
	}
	if _, ok := data["challenge_id"]; ok {
		t.Error("PushData() includes empty challenge_id")
	}
}

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
)

func newInboxStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedNotification(t *testing.T, st *store.SQLStore, id, recipient string, at time.Time) {
	t.Helper()
	n := &types.Notification{
		ID:          id,
		Type:        types.NotificationPartnerComplete,
		RecipientID: recipient,
		ActorID:     "actor",
		CreatedAt:   at,
	}
	if _, err := st.InsertNotification(context.Background(), n); err != nil {
		t.Fatalf("InsertNotification() error = %v", err)
	}
}

func TestInbox_ListNewestFirst(t *testing.T) {
	st := newInboxStore(t)
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	seedNotification(t, st, "n1", "bob", base)
	seedNotification(t, st, "n2", "bob", base.Add(time.Minute))
	seedNotification(t, st, "n3", "carol", base)

	inbox := NewInbox(st)
	list, err := inbox.List(context.Background(), "bob", false, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list.Notifications) != 2 {
		t.Fatalf("List() returned %d notifications, want 2", len(list.Notifications))
	}
	if list.Notifications[0].ID != "n2" {
		t.Errorf("first notification = %s, want n2", list.Notifications[0].ID)
	}
	if list.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", list.UnreadCount)
	}
}

func TestInbox_MarkReadKeepsFirstReadTime(t *testing.T) {
	st := newInboxStore(t)
	seedNotification(t, st, "n1", "bob", time.Now().UTC())

	inbox := NewInbox(st)
	first := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return first }
	n, err := inbox.MarkRead(context.Background(), "bob", "n1")
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !n.Read || n.ReadAt == nil || !n.ReadAt.Equal(first) {
		t.Fatalf("MarkRead() = read %v at %v, want read at %v", n.Read, n.ReadAt, first)
	}

	inbox.now = func() time.Time { return first.Add(time.Hour) }
	n, err = inbox.MarkRead(context.Background(), "bob", "n1")
	if err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}
	if !n.ReadAt.Equal(first) {
		t.Errorf("ReadAt moved to %v after second mark", n.ReadAt)
	}

	count, err := inbox.UnreadCount(context.Background(), "bob")
	if err != nil {
		t.Fatalf("UnreadCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("UnreadCount() = %d, want 0", count)
	}
}

func TestInbox_MarkReadOtherRecipient(t *testing.T) {
	st := newInboxStore(t)
	seedNotification(t, st, "n1", "bob", time.Now().UTC())

	inbox := NewInbox(st)
	if _, err := inbox.MarkRead(context.Background(), "carol", "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead() by another user error = %v, want ErrNotFound", err)
	}
	if _, err := inbox.MarkRead(context.Background(), "bob", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead() missing error = %v, want ErrNotFound", err)
	}
	n, err := st.GetNotification(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNotification() error = %v", err)
	}
	if n.Read {
		t.Error("notification marked read by another user")
	}
}

func TestInbox_MarkAllRead(t *testing.T) {
	st := newInboxStore(t)
	now := time.Now().UTC()
	seedNotification(t, st, "n1", "bob", now)
	seedNotification(t, st, "n2", "bob", now)
	seedNotification(t, st, "n3", "carol", now)

	inbox := NewInbox(st)
	marked, err := inbox.MarkAllRead(context.Background(), "bob")
	if err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	if marked != 2 {
		t.Errorf("MarkAllRead() = %d, want 2", marked)
	}
	again, _ := inbox.MarkAllRead(context.Background(), "bob")
	if again != 0 {
		t.Errorf("second MarkAllRead() = %d, want 0", again)
	}
	if c, _ := inbox.UnreadCount(context.Background(), "carol"); c != 1 {
		t.Errorf("carol UnreadCount() = %d, want 1", c)
	}
}

package notify

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// ErrNotFound is returned for notifications that do not exist or belong to
// another recipient.
var ErrNotFound = errors.New("notification not found")

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

// InboxStore reads and updates stored notifications.
type InboxStore interface {
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]types.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
}

// Inbox is the recipient-facing view of stored notifications.
type Inbox struct {
	store InboxStore
	now   func() time.Time
}

// NewInbox creates an inbox over st.
func NewInbox(st InboxStore) *Inbox {
	return &Inbox{store: st, now: time.Now}
}

// List returns the recipient's notifications, newest first, with the unread
// count.
func (b *Inbox) List(ctx context.Context, userID string, unreadOnly bool, limit int) (*types.NotificationList, error) {
	switch {
	case limit <= 0:
		limit = defaultInboxLimit
	case limit > maxInboxLimit:
		limit = maxInboxLimit
	}
	items, err := b.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	unread, err := b.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &types.NotificationList{Notifications: items, UnreadCount: unread}, nil
}

// UnreadCount returns the number of unread notifications.
func (b *Inbox) UnreadCount(ctx context.Context, userID string) (int, error) {
	return b.store.CountUnread(ctx, userID)
}

// MarkRead marks one notification read. Only its recipient may mark it;
// marking twice keeps the first read time.
func (b *Inbox) MarkRead(ctx context.Context, userID, id string) (*types.Notification, error) {
	n, err := b.store.GetNotification(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.RecipientID != userID {
		return nil, ErrNotFound
	}
	if n.Read {
		return n, nil
	}
	if err := b.store.MarkNotificationRead(ctx, id, b.now().UTC()); err != nil {
		return nil, err
	}
	return b.store.GetNotification(ctx, id)
}

// MarkAllRead marks every unread notification of the recipient read.
func (b *Inbox) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := b.store.MarkAllRead(ctx, userID, b.now().UTC())
	return int(n), err
}

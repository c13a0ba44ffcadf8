package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
)

const notificationColumns = `id, type, recipient_id, actor_id, challenge_id, instance_id, payload, is_read,
	read_at, created_at, delivered_at, delivery_attempts`

// InsertNotification stores a notification unless one with the same id
// exists. It reports whether a row was created.
func (s *SQLStore) InsertNotification(ctx context.Context, n *types.Notification) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload := []byte("{}")
	if len(n.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(n.Payload); err != nil {
			return false, fmt.Errorf("encode payload: %w", err)
		}
	}
	rows, err := s.exec(ctx, `
		INSERT INTO notifications (id, type, recipient_id, actor_id, challenge_id, instance_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, string(n.Type), n.RecipientID, n.ActorID, n.ChallengeID, n.InstanceID, string(payload), formatTime(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return rows > 0, nil
}

// GetNotification returns a notification by id.
func (s *SQLStore) GetNotification(ctx context.Context, id string) (*types.Notification, error) {
	var n *types.Notification
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = scanNotification(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`), id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *SQLStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]types.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	return s.listNotifications(ctx, query, recipientID, limitOr(limit, 50))
}

func (s *SQLStore) listNotifications(ctx context.Context, query string, args ...any) ([]types.Notification, error) {
	var out []types.Notification
	err := s.run(ctx, func(ctx context.Context) error {
		out = []types.Notification{}
		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				return err
			}
			out = append(out, *n)
		}
		return rows.Err()
	})
	return out, err
}

func scanNotification(sc scanner) (*types.Notification, error) {
	var (
		n                       types.Notification
		typ, payload, createdAt string
		isRead                  int
		readAt, deliveredAt     sql.NullString
	)
	err := sc.Scan(&n.ID, &typ, &n.RecipientID, &n.ActorID, &n.ChallengeID, &n.InstanceID, &payload, &isRead,
		&readAt, &createdAt, &deliveredAt, &n.DeliveryAttempts)
	if err != nil {
		return nil, err
	}
	n.Type = types.NotificationType(typ)
	n.Read = isRead != 0
	n.ReadAt = parseNullTime(readAt)
	n.CreatedAt = parseTime(createdAt)
	n.DeliveredAt = parseNullTime(deliveredAt)
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &n, nil
}

// CountUnread returns the number of unread notifications of a recipient.
func (s *SQLStore) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.rebind(`
			SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0
		`), recipientID).Scan(&count)
	})
	return count, err
}

// MarkNotificationRead marks one notification read. Marking an already read
// notification keeps its original read time.
func (s *SQLStore) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0
	`, formatTime(at), id)
	return err
}

// MarkAllRead marks every unread notification of a recipient read.
func (s *SQLStore) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	return s.exec(ctx, `
		UPDATE notifications SET is_read = 1, read_at = ? WHERE recipient_id = ? AND is_read = 0
	`, formatTime(at), recipientID)
}

// ListUndelivered returns notifications awaiting push delivery, oldest first.
func (s *SQLStore) ListUndelivered(ctx context.Context, limit, maxAttempts int) ([]types.Notification, error) {
	return s.listNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE delivered_at IS NULL AND delivery_attempts < ?
		ORDER BY created_at, id
		LIMIT ?
	`, maxAttempts, limitOr(limit, 50))
}

// MarkDelivered stamps a notification as pushed.
func (s *SQLStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE notifications SET delivered_at = ?, delivery_attempts = delivery_attempts + 1
		WHERE id = ? AND delivered_at IS NULL
	`, formatTime(at), id)
	return err
}

// RecordDeliveryFailure counts a failed push attempt.
func (s *SQLStore) RecordDeliveryFailure(ctx context.Context, id, reason string) error {
	_, err := s.exec(ctx, `
		UPDATE notifications SET delivery_attempts = delivery_attempts + 1, last_error = ? WHERE id = ?
	`, reason, id)
	return err
}

// PruneNotifications deletes read notifications read before the cutoff.
func (s *SQLStore) PruneNotifications(ctx context.Context, readBefore time.Time) (int64, error) {
	return s.exec(ctx, `
		DELETE FROM notifications WHERE is_read = 1 AND read_at < ?
	`, formatTime(readBefore))
}

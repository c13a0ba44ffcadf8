package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetIdempotentResponse returns the cached response for (user, key) if it
// has not expired.
func (s *SQLStore) GetIdempotentResponse(ctx context.Context, userID, key string, now time.Time) (*IdempotentResponse, error) {
	var resp IdempotentResponse
	err := s.run(ctx, func(ctx context.Context) error {
		var body, expiresAt string
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT status, body, expires_at FROM idempotency_keys
			WHERE user_id = ? AND key = ? AND expires_at > ?
		`), userID, key, formatTime(now)).Scan(&resp.Status, &body, &expiresAt)
		if err != nil {
			return err
		}
		resp.Body = []byte(body)
		resp.ExpiresAt = parseTime(expiresAt)
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveIdempotentResponse caches a response. An expired row for the same key
// is replaced; a live one is kept.
func (s *SQLStore) SaveIdempotentResponse(ctx context.Context, userID, key string, resp IdempotentResponse) error {
	now := formatTime(time.Now())
	_, err := s.exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, status, body, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET
			status = excluded.status, body = excluded.body, expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= ?
	`, userID, key, resp.Status, string(resp.Body), formatTime(resp.ExpiresAt), now)
	return err
}

// CleanExpiredIdempotency deletes expired cache rows.
func (s *SQLStore) CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, formatTime(now))
}

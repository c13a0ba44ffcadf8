package store

import (
	"context"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/oklog/ulid/v2"
)

// RecordCoachMessage stores an AI coach exchange.
func (s *SQLStore) RecordCoachMessage(ctx context.Context, m *types.CoachMessage) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO coach_messages (id, user_id, challenge_id, prompt, response, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.ChallengeID, m.Prompt, m.Response, m.Model, formatTime(m.CreatedAt))
	return err
}

// CountCoachMessagesSince counts exchanges since a point in time, for one
// user or for everyone when userID is empty.
func (s *SQLStore) CountCoachMessagesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM coach_messages WHERE created_at >= ?`
	args := []any{formatTime(since)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	var count int
	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count)
	})
	return count, err
}

// ListCoachMessages returns a user's exchanges, newest first.
func (s *SQLStore) ListCoachMessages(ctx context.Context, userID string, limit int) ([]types.CoachMessage, error) {
	var out []types.CoachMessage
	err := s.run(ctx, func(ctx context.Context) error {
		out = []types.CoachMessage{}
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT id, user_id, challenge_id, prompt, response, model, created_at
			FROM coach_messages WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		`), userID, limitOr(limit, 20))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m types.CoachMessage
			var createdAt string
			if err := rows.Scan(&m.ID, &m.UserID, &m.ChallengeID, &m.Prompt, &m.Response, &m.Model, &createdAt); err != nil {
				return err
			}
			m.CreatedAt = parseTime(createdAt)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

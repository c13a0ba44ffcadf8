package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/oklog/ulid/v2"
)

const userColumns = `id, email, display_name, password_hash, created_at`

// CreateUser inserts an account. Emails are stored lower-cased.
func (s *SQLStore) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = ulid.Make().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	n, err := s.exec(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, formatTime(u.CreatedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateEmail
	}
	return nil
}

// GetUser returns a user by id.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns a user by (case-insensitive) email.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg string) (*types.User, error) {
	var u *types.User
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		u, err = scanUser(s.db.QueryRowContext(ctx, s.rebind(query), arg))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// SearchUsers matches display name or email prefix.
func (s *SQLStore) SearchUsers(ctx context.Context, query string, limit int) ([]types.User, error) {
	pattern := strings.ToLower(strings.TrimSpace(query)) + "%"
	var out []types.User
	err := s.run(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT `+userColumns+` FROM users
			WHERE LOWER(display_name) LIKE ? OR email LIKE ?
			ORDER BY display_name
			LIMIT ?
		`), pattern, pattern, limitOr(limit, 20))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			out = append(out, *u)
		}
		return rows.Err()
	})
	return out, err
}

func scanUser(sc scanner) (*types.User, error) {
	var u types.User
	var createdAt string
	if err := sc.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// RegisterDevice upserts a push token; a token moves to the latest user.
func (s *SQLStore) RegisterDevice(ctx context.Context, d types.DeviceToken) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO device_tokens (token, user_id, platform, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform
	`, d.Token, d.UserID, d.Platform, formatTime(d.CreatedAt))
	return err
}

// ListDeviceTokens returns the push tokens of a user.
func (s *SQLStore) ListDeviceTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	var out []types.DeviceToken
	err := s.run(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT token, user_id, platform, created_at FROM device_tokens WHERE user_id = ? ORDER BY created_at
		`), userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d types.DeviceToken
			var createdAt string
			if err := rows.Scan(&d.Token, &d.UserID, &d.Platform, &createdAt); err != nil {
				return err
			}
			d.CreatedAt = parseTime(createdAt)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteDeviceToken removes a token the push provider reported as invalid.
func (s *SQLStore) DeleteDeviceToken(ctx context.Context, token string) error {
	_, err := s.exec(ctx, `DELETE FROM device_tokens WHERE token = ?`, token)
	return err
}

// SystemStats returns service-wide counters.
func (s *SQLStore) SystemStats(ctx context.Context) (*types.SystemStats, error) {
	var st types.SystemStats
	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.rebind(`
			SELECT
				(SELECT COUNT(*) FROM users),
				(SELECT COUNT(*) FROM instances WHERE status = ?),
				(SELECT COUNT(*) FROM check_ins)
		`), string(types.InstanceActive)).Scan(&st.Users, &st.ActiveInstances, &st.CheckIns)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

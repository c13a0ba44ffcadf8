package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/oklog/ulid/v2"
)

const instanceColumns = `i.id, i.challenge_id, i.owner_id, i.display_name, i.timezone, i.start_date, i.end_date,
	i.status, i.exit_reason, i.exited_at, i.completed_at, i.created_at, i.updated_at`

// CreateInstance inserts an instance together with its member rows. Joined
// members are enrolled; ErrAlreadyEnrolled is returned when one of them holds
// another live instance of the same definition.
func (s *SQLStore) CreateInstance(ctx context.Context, inst *types.ChallengeInstance) error {
	now := time.Now().UTC()
	if inst.ID == "" {
		inst.ID = ulid.Make().String()
	}
	if inst.Status == "" {
		inst.Status = types.InstanceActive
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO instances (id, challenge_id, owner_id, display_name, timezone, start_date, end_date,
				status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), inst.ID, inst.ChallengeID, inst.OwnerID, inst.DisplayName, inst.Timezone, inst.StartDate,
			inst.EndDate, string(inst.Status), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		for _, m := range inst.Members {
			if _, err := s.insertMember(ctx, tx, inst.ID, m, now); err != nil {
				return err
			}
			if m.Status == types.MemberJoined {
				if err := s.enroll(ctx, tx, inst.ID, m.UserID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) enroll(ctx context.Context, tx *sql.Tx, instanceID, userID string) error {
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO enrollments (challenge_id, user_id, instance_id)
		SELECT challenge_id, ?, id FROM instances WHERE id = ?
		ON CONFLICT (challenge_id, user_id) DO NOTHING
	`), userID, instanceID)
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyEnrolled
	}
	return nil
}

func (s *SQLStore) insertMember(ctx context.Context, tx *sql.Tx, instanceID string, m types.Member, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO instance_members (instance_id, user_id, status, invited_by, joined_on, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, user_id) DO NOTHING
	`), instanceID, m.UserID, string(m.Status), m.InvitedBy, m.JoinedOn, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("insert member: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetInstance returns an instance with its members.
func (s *SQLStore) GetInstance(ctx context.Context, id string) (*types.ChallengeInstance, error) {
	return s.getInstance(ctx, `SELECT `+instanceColumns+` FROM instances i WHERE i.id = ?`, id)
}

// FindActiveInstance returns the active instance of a definition in which
// the user is a joined member.
func (s *SQLStore) FindActiveInstance(ctx context.Context, challengeID, userID string) (*types.ChallengeInstance, error) {
	return s.getInstance(ctx, `
		SELECT `+instanceColumns+` FROM instances i
		JOIN instance_members m ON m.instance_id = i.id
		WHERE i.challenge_id = ? AND i.status = ? AND m.user_id = ? AND m.status = ?
		ORDER BY i.created_at DESC
		LIMIT 1
	`, challengeID, string(types.InstanceActive), userID, string(types.MemberJoined))
}

func (s *SQLStore) getInstance(ctx context.Context, query string, args ...any) (*types.ChallengeInstance, error) {
	var inst *types.ChallengeInstance
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		inst, err = scanInstance(s.db.QueryRowContext(ctx, s.rebind(query), args...))
		if err != nil {
			return err
		}
		inst.Members, err = s.loadMembers(ctx, inst.ID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListActiveInstancesForUser returns active instances the user has joined.
func (s *SQLStore) ListActiveInstancesForUser(ctx context.Context, userID string) ([]types.ChallengeInstance, error) {
	return s.listInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances i
		JOIN instance_members m ON m.instance_id = i.id
		WHERE i.status = ? AND m.user_id = ? AND m.status = ?
		ORDER BY i.created_at DESC
	`, string(types.InstanceActive), userID, string(types.MemberJoined))
}

// ListActiveInstances returns every active instance.
func (s *SQLStore) ListActiveInstances(ctx context.Context) ([]types.ChallengeInstance, error) {
	return s.listInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances i WHERE i.status = ? ORDER BY i.end_date
	`, string(types.InstanceActive))
}

// CountInstances returns how many instances, in any state, a definition has.
func (s *SQLStore) CountInstances(ctx context.Context, challengeID string) (int, error) {
	var n int
	err := s.run(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM instances WHERE challenge_id = ?`), challengeID).Scan(&n)
	})
	return n, err
}

func (s *SQLStore) listInstances(ctx context.Context, query string, args ...any) ([]types.ChallengeInstance, error) {
	var out []types.ChallengeInstance
	err := s.run(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, *inst)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range out {
			if out[i].Members, err = s.loadMembers(ctx, out[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *SQLStore) loadMembers(ctx context.Context, instanceID string) ([]types.Member, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, status, invited_by, joined_on, exited_at FROM instance_members
		WHERE instance_id = ? ORDER BY created_at, user_id
	`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []types.Member{}
	for rows.Next() {
		var m types.Member
		var status string
		var exitedAt sql.NullString
		if err := rows.Scan(&m.UserID, &status, &m.InvitedBy, &m.JoinedOn, &exitedAt); err != nil {
			return nil, err
		}
		m.Status = types.MemberStatus(status)
		m.ExitedAt = parseNullTime(exitedAt)
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanInstance(sc scanner) (*types.ChallengeInstance, error) {
	var (
		inst                  types.ChallengeInstance
		status                string
		exitedAt, completedAt sql.NullString
		createdAt, updatedAt  string
	)
	err := sc.Scan(&inst.ID, &inst.ChallengeID, &inst.OwnerID, &inst.DisplayName, &inst.Timezone,
		&inst.StartDate, &inst.EndDate, &status, &inst.ExitReason, &exitedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = types.InstanceStatus(status)
	inst.ExitedAt = parseNullTime(exitedAt)
	inst.CompletedAt = parseNullTime(completedAt)
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return &inst, nil
}

// AddMembers inserts invitations, skipping users already present.
// It returns the user ids that were added.
func (s *SQLStore) AddMembers(ctx context.Context, instanceID string, members []types.Member) ([]string, error) {
	var added []string
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		added = nil
		for _, m := range members {
			ok, err := s.insertMember(ctx, tx, instanceID, m, now)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, m.UserID)
			}
		}
		return nil
	})
	return added, err
}

// JoinMember moves an invited member to joined and enrolls them. It reports
// false when the member was not in the invited state and returns
// ErrAlreadyEnrolled when the user holds another live instance of the
// definition.
func (s *SQLStore) JoinMember(ctx context.Context, instanceID, userID, joinedOn string) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE instance_members SET status = ?, joined_on = ?
			WHERE instance_id = ? AND user_id = ? AND status = ?
		`), string(types.MemberJoined), joinedOn, instanceID, userID, string(types.MemberInvited))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		if !changed {
			return nil
		}
		return s.enroll(ctx, tx, instanceID, userID)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ExitMember moves a joined member to exited and releases their enrollment.
// It reports false when the member had already left.
func (s *SQLStore) ExitMember(ctx context.Context, instanceID, userID string, at time.Time) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE instance_members SET status = ?, exited_at = ?
			WHERE instance_id = ? AND user_id = ? AND status = ?
		`), string(types.MemberExited), formatTime(at), instanceID, userID, string(types.MemberJoined))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		if !changed {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM enrollments WHERE instance_id = ? AND user_id = ?
		`), instanceID, userID)
		return err
	})
	return changed, err
}

func (s *SQLStore) releaseEnrollments(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM enrollments WHERE instance_id = ?`), instanceID)
	return err
}

// ExitInstance terminates an active instance. Only the first call changes
// state; later calls report false.
func (s *SQLStore) ExitInstance(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE instances SET status = ?, exit_reason = ?, exited_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`), string(types.InstanceExited), reason, formatTime(at), formatTime(at), id, string(types.InstanceActive))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		if !changed {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE instance_members SET status = ?, exited_at = ?
			WHERE instance_id = ? AND user_id = (SELECT owner_id FROM instances WHERE id = ?) AND status = ?
		`), string(types.MemberExited), formatTime(at), id, id, string(types.MemberJoined))
		if err != nil {
			return err
		}
		return s.releaseEnrollments(ctx, tx, id)
	})
	return changed, err
}

// CompleteInstance marks an active instance completed and releases its
// enrollments.
func (s *SQLStore) CompleteInstance(ctx context.Context, id string, at time.Time) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE instances SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`), string(types.InstanceCompleted), formatTime(at), formatTime(at), id, string(types.InstanceActive))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		if !changed {
			return nil
		}
		return s.releaseEnrollments(ctx, tx, id)
	})
	return changed, err
}

// RenameInstance changes the display name; the calendar window is untouched.
func (s *SQLStore) RenameInstance(ctx context.Context, id, name string, at time.Time) error {
	n, err := s.exec(ctx, `UPDATE instances SET display_name = ?, updated_at = ? WHERE id = ?`, name, formatTime(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/oklog/ulid/v2"
)

const challengeColumns = `id, author_id, name, description, category, frequency, duration_days,
	require_photo_proof, allow_grace_skips, grace_skips_per_week, visibility, policy,
	total_users, active_users, completion_rate, avg_success_rate, archived_at, created_at, updated_at`

// CreateChallenge inserts a definition and its tasks. Ids and timestamps
// are assigned when empty; task order follows slice order.
func (s *SQLStore) CreateChallenge(ctx context.Context, def *types.ChallengeDefinition) error {
	now := time.Now().UTC()
	if def.ID == "" {
		def.ID = ulid.Make().String()
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	for i := range def.Tasks {
		if def.Tasks[i].ID == "" {
			def.Tasks[i].ID = ulid.Make().String()
		}
		def.Tasks[i].Order = i
	}

	freq, policy, err := encodeRules(def)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO challenges (id, author_id, name, description, category, frequency, duration_days,
				require_photo_proof, allow_grace_skips, grace_skips_per_week, visibility, policy, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), def.ID, def.AuthorID, def.Name, def.Description, def.Category, freq, def.DurationDays,
			boolInt(def.RequirePhotoProof), boolInt(def.AllowGraceSkips), def.GraceSkipsPerWeek,
			string(def.Visibility), policy, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}
		for _, t := range def.Tasks {
			if err := s.insertTask(ctx, tx, def.ID, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) insertTask(ctx context.Context, tx *sql.Tx, challengeID string, t types.Task) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO challenge_tasks (id, challenge_id, title, description, position)
		VALUES (?, ?, ?, ?, ?)
	`), t.ID, challengeID, t.Title, t.Description, t.Order)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func encodeRules(def *types.ChallengeDefinition) (string, string, error) {
	freq, err := json.Marshal(def.Frequency)
	if err != nil {
		return "", "", fmt.Errorf("encode frequency: %w", err)
	}
	policy, err := json.Marshal(def.Policy)
	if err != nil {
		return "", "", fmt.Errorf("encode policy: %w", err)
	}
	return string(freq), string(policy), nil
}

// GetChallenge returns a definition with its tasks, archived or not.
func (s *SQLStore) GetChallenge(ctx context.Context, id string) (*types.ChallengeDefinition, error) {
	var def *types.ChallengeDefinition
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		def, err = scanChallenge(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+challengeColumns+` FROM challenges WHERE id = ?`), id))
		if err != nil {
			return err
		}
		def.Tasks, err = s.loadTasks(ctx, s.db, id)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) loadTasks(ctx context.Context, q queryer, challengeID string) ([]types.Task, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT id, title, description, position FROM challenge_tasks
		WHERE challenge_id = ? ORDER BY position
	`), challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []types.Task{}
	for rows.Next() {
		var t types.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Order); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListChallenges lists definitions, newest first.
func (s *SQLStore) ListChallenges(ctx context.Context, f ChallengeFilter) ([]types.ChallengeDefinition, error) {
	var where []string
	var args []any
	if f.AuthorID != "" {
		where = append(where, "author_id = ?")
		args = append(args, f.AuthorID)
	}
	if !f.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	query := `SELECT ` + challengeColumns + ` FROM challenges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limitOr(f.Limit, 100))
	return s.listChallenges(ctx, query, args...)
}

// ListPopularChallenges lists public, non-archived definitions by active users.
func (s *SQLStore) ListPopularChallenges(ctx context.Context, limit int) ([]types.ChallengeDefinition, error) {
	return s.listChallenges(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE visibility = ? AND archived_at IS NULL
		ORDER BY active_users DESC, total_users DESC, created_at DESC
		LIMIT ?
	`, string(types.VisibilityPublic), limitOr(limit, 10))
}

func (s *SQLStore) listChallenges(ctx context.Context, query string, args ...any) ([]types.ChallengeDefinition, error) {
	var out []types.ChallengeDefinition
	err := s.run(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			def, err := scanChallenge(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, *def)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range out {
			if out[i].Tasks, err = s.loadTasks(ctx, s.db, out[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func scanChallenge(sc scanner) (*types.ChallengeDefinition, error) {
	var (
		def                      types.ChallengeDefinition
		freq, policy, visibility string
		proof, grace             int
		archivedAt               sql.NullString
		createdAt, updatedAt     string
	)
	err := sc.Scan(&def.ID, &def.AuthorID, &def.Name, &def.Description, &def.Category, &freq, &def.DurationDays,
		&proof, &grace, &def.GraceSkipsPerWeek, &visibility, &policy,
		&def.Stats.TotalUsers, &def.Stats.ActiveUsers, &def.Stats.CompletionRate, &def.Stats.AvgSuccessRate,
		&archivedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(freq), &def.Frequency); err != nil {
		return nil, fmt.Errorf("decode frequency: %w", err)
	}
	def.Policy = types.DefaultPolicy()
	if err := json.Unmarshal([]byte(policy), &def.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	def.RequirePhotoProof = proof != 0
	def.AllowGraceSkips = grace != 0
	def.Visibility = types.Visibility(visibility)
	def.ArchivedAt = parseNullTime(archivedAt)
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)
	return &def, nil
}

// RenameChallenge changes a definition's name.
func (s *SQLStore) RenameChallenge(ctx context.Context, id, name string, at time.Time) error {
	n, err := s.exec(ctx, `UPDATE challenges SET name = ?, updated_at = ? WHERE id = ?`, name, formatTime(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChallenge rewrites the mutable fields of a definition and syncs its
// tasks: tasks with a known id are renamed or reordered, new tasks are added
// and dropped tasks are deleted unless check-ins reference them.
func (s *SQLStore) UpdateChallenge(ctx context.Context, def *types.ChallengeDefinition) error {
	def.UpdatedAt = time.Now().UTC()
	for i := range def.Tasks {
		if def.Tasks[i].ID == "" {
			def.Tasks[i].ID = ulid.Make().String()
		}
		def.Tasks[i].Order = i
	}
	freq, policy, err := encodeRules(def)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE challenges SET name = ?, description = ?, category = ?, frequency = ?, duration_days = ?,
				require_photo_proof = ?, allow_grace_skips = ?, grace_skips_per_week = ?, visibility = ?,
				policy = ?, updated_at = ?
			WHERE id = ?
		`), def.Name, def.Description, def.Category, freq, def.DurationDays,
			boolInt(def.RequirePhotoProof), boolInt(def.AllowGraceSkips), def.GraceSkipsPerWeek,
			string(def.Visibility), policy, formatTime(def.UpdatedAt), def.ID)
		if err != nil {
			return fmt.Errorf("update challenge: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		existing, err := s.loadTasks(ctx, tx, def.ID)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(def.Tasks))
		for _, t := range def.Tasks {
			keep[t.ID] = true
		}
		for _, t := range existing {
			if keep[t.ID] {
				continue
			}
			var refs int
			if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM check_ins WHERE task_id = ?`), t.ID).Scan(&refs); err != nil {
				return err
			}
			if refs > 0 {
				return fmt.Errorf("%w: %s", ErrTaskInUse, t.ID)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM challenge_tasks WHERE id = ?`), t.ID); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
		}

		known := make(map[string]bool, len(existing))
		for _, t := range existing {
			known[t.ID] = true
		}
		for _, t := range def.Tasks {
			if !known[t.ID] {
				if err := s.insertTask(ctx, tx, def.ID, t); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE challenge_tasks SET title = ?, description = ?, position = ? WHERE id = ? AND challenge_id = ?
			`), t.Title, t.Description, t.Order, t.ID, def.ID); err != nil {
				return fmt.Errorf("update task: %w", err)
			}
		}
		return nil
	})
}

// ArchiveChallenge soft-deletes a definition. Archiving twice keeps the
// first timestamp.
func (s *SQLStore) ArchiveChallenge(ctx context.Context, id string, at time.Time) error {
	n, err := s.exec(ctx, `
		UPDATE challenges SET archived_at = COALESCE(archived_at, ?), updated_at = ? WHERE id = ?
	`, formatTime(at), formatTime(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshChallengeStats recomputes the denormalized aggregates of every
// definition and returns the number of rows touched.
func (s *SQLStore) RefreshChallengeStats(ctx context.Context) (int64, error) {
	return s.exec(ctx, `
		UPDATE challenges SET
			total_users = (
				SELECT COUNT(DISTINCT m.user_id) FROM instance_members m
				JOIN instances i ON i.id = m.instance_id
				WHERE i.challenge_id = challenges.id AND m.status <> ?
			),
			active_users = (
				SELECT COUNT(DISTINCT m.user_id) FROM instance_members m
				JOIN instances i ON i.id = m.instance_id
				WHERE i.challenge_id = challenges.id AND i.status = ? AND m.status = ?
			),
			completion_rate = COALESCE((
				SELECT 100.0 * SUM(CASE WHEN i.status = ? THEN 1 ELSE 0 END) / NULLIF(COUNT(*), 0)
				FROM instances i
				WHERE i.challenge_id = challenges.id AND i.status <> ?
			), 0),
			avg_success_rate = COALESCE((
				SELECT AVG(p.completion_rate) FROM progress p
				JOIN instances i ON i.id = p.instance_id
				WHERE i.challenge_id = challenges.id
			), 0)
	`, string(types.MemberInvited),
		string(types.InstanceActive), string(types.MemberJoined),
		string(types.InstanceCompleted), string(types.InstanceActive))
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/oklog/ulid/v2"
)

// AppendCheckIn appends a ledger entry. Entries are never updated; appending
// an id that already exists returns ErrDuplicateEntry.
func (s *SQLStore) AppendCheckIn(ctx context.Context, e *types.CheckInEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	n, err := s.exec(ctx, `
		INSERT INTO check_ins (id, instance_id, task_id, user_id, day, note, photo_key, bonus, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.InstanceID, e.TaskID, e.UserID, e.Day, e.Note, e.PhotoKey, boolInt(e.Bonus), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append check-in: %w", err)
	}
	if n == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

// GetCheckIn returns one ledger entry.
func (s *SQLStore) GetCheckIn(ctx context.Context, id string) (*types.CheckInEntry, error) {
	var e types.CheckInEntry
	err := s.run(ctx, func(ctx context.Context) error {
		var bonus int
		var createdAt string
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT id, instance_id, task_id, user_id, day, note, photo_key, bonus, created_at
			FROM check_ins WHERE id = ?
		`), id).Scan(&e.ID, &e.InstanceID, &e.TaskID, &e.UserID, &e.Day, &e.Note, &e.PhotoKey, &bonus, &createdAt)
		if err != nil {
			return err
		}
		e.Bonus = bonus != 0
		e.CreatedAt = parseTime(createdAt)
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListCheckIns returns a participant's ledger in append order.
func (s *SQLStore) ListCheckIns(ctx context.Context, instanceID, userID string) ([]types.CheckInEntry, error) {
	var out []types.CheckInEntry
	err := s.run(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT id, instance_id, task_id, user_id, day, note, photo_key, bonus, created_at
			FROM check_ins WHERE instance_id = ? AND user_id = ?
			ORDER BY created_at, id
		`), instanceID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e types.CheckInEntry
			var bonus int
			var createdAt string
			if err := rows.Scan(&e.ID, &e.InstanceID, &e.TaskID, &e.UserID, &e.Day, &e.Note, &e.PhotoKey, &bonus, &createdAt); err != nil {
				return err
			}
			e.Bonus = bonus != 0
			e.CreatedAt = parseTime(createdAt)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ClaimDayCredit records that entryID completed the participant's day.
// Exactly one caller per (instance, user, day) receives true.
func (s *SQLStore) ClaimDayCredit(ctx context.Context, instanceID, userID, day, entryID string) (bool, error) {
	n, err := s.exec(ctx, `
		INSERT INTO day_credits (instance_id, user_id, day, entry_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, user_id, day) DO NOTHING
	`, instanceID, userID, day, entryID, formatTime(time.Now()))
	return n > 0, err
}

// GetProgress returns the cached progress row of a participant.
func (s *SQLStore) GetProgress(ctx context.Context, instanceID, userID string) (*types.Progress, error) {
	var p types.Progress
	err := s.run(ctx, func(ctx context.Context) error {
		var tasks, updatedAt string
		var today int
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT instance_id, user_id, current_streak, longest_streak, total_check_ins, missed_days, graced_days,
				completion_rate, today_complete, tasks, highest_milestone, evaluated_through, updated_at
			FROM progress WHERE instance_id = ? AND user_id = ?
		`), instanceID, userID).Scan(&p.InstanceID, &p.UserID, &p.CurrentStreak, &p.LongestStreak, &p.TotalCheckIns,
			&p.MissedDays, &p.GracedDays, &p.CompletionRate, &today, &tasks, &p.HighestMilestone,
			&p.EvaluatedThrough, &updatedAt)
		if err != nil {
			return err
		}
		p.TodayComplete = today != 0
		p.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(tasks), &p.Tasks); err != nil {
			return fmt.Errorf("decode task progress: %w", err)
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProgress upserts a progress row. A row evaluated from a shorter ledger,
// or from the same ledger as of an earlier day, never replaces the stored
// one, so concurrent writers converge on the evaluation of the full ledger.
// The stored longest streak never decreases and the highest milestone is
// left to AdvanceMilestone.
func (s *SQLStore) SaveProgress(ctx context.Context, p types.Progress) error {
	if p.Tasks == nil {
		p.Tasks = []types.TaskProgress{}
	}
	tasks, err := json.Marshal(p.Tasks)
	if err != nil {
		return fmt.Errorf("encode task progress: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err = s.exec(ctx, `
		INSERT INTO progress (instance_id, user_id, current_streak, longest_streak, total_check_ins, missed_days,
			graced_days, completion_rate, today_complete, tasks, evaluated_through, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, user_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			longest_streak = CASE WHEN excluded.longest_streak > progress.longest_streak
				THEN excluded.longest_streak ELSE progress.longest_streak END,
			total_check_ins = excluded.total_check_ins,
			missed_days = excluded.missed_days,
			graced_days = excluded.graced_days,
			completion_rate = excluded.completion_rate,
			today_complete = excluded.today_complete,
			tasks = excluded.tasks,
			evaluated_through = excluded.evaluated_through,
			updated_at = excluded.updated_at
		WHERE excluded.total_check_ins > progress.total_check_ins
			OR (excluded.total_check_ins = progress.total_check_ins
				AND excluded.evaluated_through >= progress.evaluated_through)
	`, p.InstanceID, p.UserID, p.CurrentStreak, p.LongestStreak, p.TotalCheckIns, p.MissedDays,
		p.GracedDays, p.CompletionRate, boolInt(p.TodayComplete), string(tasks), p.EvaluatedThrough,
		formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// AdvanceMilestone raises the highest notified milestone. It reports true
// only for the caller that moved it.
func (s *SQLStore) AdvanceMilestone(ctx context.Context, instanceID, userID string, threshold int) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE progress SET highest_milestone = ?
		WHERE instance_id = ? AND user_id = ? AND highest_milestone < ?
	`, threshold, instanceID, userID, threshold)
	return n > 0, err
}

package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/streak"
	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

const maxPhotoKeyLength = 512

// entryNamespace seeds ledger ids of keyed check-ins.
var entryNamespace = uuid.MustParse("2d0c9a52-7e43-5b6f-8c1d-3f4e5a6b7c80")

// CheckInInput is a check-in request. RequestKey, when set, makes the
// request idempotent: a repeat with the same key appends nothing and
// finishes the work the first attempt may not have completed. Reusing a key
// for another task is rejected with ErrAlreadyCheckedIn.
type CheckInInput struct {
	InstanceID string
	TaskID     string
	UserID     string
	Note       string
	PhotoKey   string
	RequestKey string
}

// CheckIn appends a task completion to the ledger and refreshes the
// participant's progress. The first check-in that satisfies the day's quota
// wins the day credit; every satisfied day notifies the partners once.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*types.CheckInResponse, error) {
	var c validation.Collector
	c.Add(validation.ValidateRequired("task_id", in.TaskID))
	validation.ValidateText(&c, "note", in.Note, validation.MaxNoteLength)
	validation.ValidateText(&c, "photo_key", in.PhotoKey, maxPhotoKeyLength)
	if err := invalid(c.Errors()); err != nil {
		return nil, err
	}

	inst, m, err := s.member(ctx, in.InstanceID, in.UserID)
	if err != nil {
		return nil, err
	}
	if m.Status != types.MemberJoined {
		return nil, ErrForbidden
	}
	if inst.Status.Terminal() {
		return nil, ErrNotActive
	}
	def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !def.HasTask(in.TaskID) {
		return nil, invalidField("task_id", "does not belong to this challenge")
	}
	if def.RequirePhotoProof {
		if in.PhotoKey == "" {
			return nil, ErrProofRequired
		}
		if s.proofs != nil {
			if err := s.proofs.Verify(ctx, in.UserID, inst.ID, in.PhotoKey); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProofRequired, err)
			}
		}
	}

	sched, err := streak.NewSchedule(def, inst)
	if err != nil {
		return nil, err
	}
	loc, err := streak.LoadLocation(inst.Timezone)
	if err != nil {
		return nil, err
	}
	now := s.now()
	today := streak.Today(now, loc)
	if !today.Before(sched.End()) {
		return nil, ErrNotActive
	}
	bonus := false
	if !sched.Scheduled(today) {
		if def.Policy.OffSchedule != types.OffScheduleBonus {
			return nil, ErrNotScheduledToday
		}
		bonus = true
	}

	entry := types.CheckInEntry{
		InstanceID: inst.ID,
		TaskID:     in.TaskID,
		UserID:     in.UserID,
		Day:        streak.DayKey(today),
		Note:       in.Note,
		PhotoKey:   in.PhotoKey,
		Bonus:      bonus,
		CreatedAt:  now.UTC(),
	}
	if in.RequestKey != "" {
		entry.ID = uuid.NewSHA1(entryNamespace, []byte(inst.ID+"|"+in.UserID+"|"+in.RequestKey)).String()
	}
	if err := s.append(ctx, &entry, in.RequestKey != ""); err != nil {
		return nil, err
	}

	res, err := s.evaluate(ctx, sched, inst, m, today)
	if err != nil {
		return nil, err
	}

	dayCompleted := false
	if !entry.Bonus && entry.Day == streak.DayKey(today) && res.TodaySatisfied {
		won, err := s.store.ClaimDayCredit(ctx, inst.ID, in.UserID, entry.Day, entry.ID)
		if err != nil {
			return nil, storeErr(err)
		}
		if won {
			dayCompleted = true
			s.metrics.DayCredit()
		}
		err = s.deliver(ctx, notify.Event{
			SourceID:    notify.CheckInDaySource(inst.ID, in.UserID, entry.Day),
			Type:        types.NotificationPartnerComplete,
			ActorID:     in.UserID,
			ChallengeID: inst.ChallengeID,
			InstanceID:  inst.ID,
			Payload:     withDay(s.eventPayload(ctx, def, inst, in.UserID), entry.Day),
		}, inst.Partners(in.UserID)...)
		if err != nil {
			return nil, err
		}
	}

	p, err := s.save(ctx, def, inst, in.UserID, res)
	if err != nil {
		return nil, err
	}

	s.logger.Info("check-in recorded",
		"action", "check_in",
		"instance_id", inst.ID,
		"user_id", in.UserID,
		"task_id", in.TaskID,
		"day", entry.Day,
		"bonus", entry.Bonus,
		"day_completed", dayCompleted,
		"current_streak", p.CurrentStreak,
	)
	return &types.CheckInResponse{Entry: entry, Progress: *p, DayCompleted: dayCompleted}, nil
}

// append writes entry to the ledger. A keyed entry that already exists is
// loaded into entry instead, so a retried request resumes where the first
// attempt stopped.
func (s *Service) append(ctx context.Context, entry *types.CheckInEntry, keyed bool) error {
	err := s.store.AppendCheckIn(ctx, entry)
	if err == nil {
		s.metrics.CheckIn(entry.Bonus)
		return nil
	}
	if !keyed || !errors.Is(err, store.ErrDuplicateEntry) {
		return storeErr(err)
	}
	prev, err := s.store.GetCheckIn(ctx, entry.ID)
	if err != nil {
		return storeErr(err)
	}
	if prev.TaskID != entry.TaskID {
		return ErrAlreadyCheckedIn
	}
	*entry = *prev
	return nil
}

func withDay(p map[string]any, day string) map[string]any {
	p["day"] = day
	return p
}

// evaluate recomputes a member's statistics from the full ledger.
func (s *Service) evaluate(ctx context.Context, sched streak.Schedule, inst *types.ChallengeInstance, m types.Member, today time.Time) (streak.Result, error) {
	from := sched.Start
	if m.JoinedOn != "" {
		d, err := streak.ParseDay(m.JoinedOn)
		if err != nil {
			return streak.Result{}, err
		}
		from = d
	}
	entries, err := s.store.ListCheckIns(ctx, inst.ID, m.UserID)
	if err != nil {
		return streak.Result{}, storeErr(err)
	}
	return streak.Evaluate(sched, from, today, entries), nil
}

// save writes the progress cache and fires milestone notifications the
// stored streak has reached. It returns the stored progress, which is a
// fresher evaluation than res when a concurrent check-in saved last.
func (s *Service) save(ctx context.Context, def *types.ChallengeDefinition, inst *types.ChallengeInstance, userID string, res streak.Result) (*types.Progress, error) {
	p := res.Progress(inst.ID, userID, def.TaskIDs())
	p.UpdatedAt = s.now().UTC()
	if err := s.store.SaveProgress(ctx, p); err != nil {
		return nil, storeErr(err)
	}
	stored, err := s.store.GetProgress(ctx, inst.ID, userID)
	if err != nil {
		return nil, storeErr(err)
	}

	for _, t := range streak.CrossedMilestones(stored.HighestMilestone, stored.CurrentStreak, s.milestones) {
		payload := s.eventPayload(ctx, def, inst, "")
		payload["threshold"] = t
		err := s.deliver(ctx, notify.Event{
			SourceID:    notify.MilestoneSource(inst.ID, userID, t),
			Type:        types.NotificationStreakMilestone,
			ActorID:     userID,
			ChallengeID: inst.ChallengeID,
			InstanceID:  inst.ID,
			Payload:     payload,
		}, userID)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.AdvanceMilestone(ctx, inst.ID, userID, t); err != nil {
			return nil, storeErr(err)
		}
		stored.HighestMilestone = t
	}
	return stored, nil
}

// refresh recomputes and stores a member's progress as of now.
func (s *Service) refresh(ctx context.Context, def *types.ChallengeDefinition, inst *types.ChallengeInstance, m types.Member) (*types.Progress, error) {
	sched, err := streak.NewSchedule(def, inst)
	if err != nil {
		return nil, err
	}
	loc, err := streak.LoadLocation(inst.Timezone)
	if err != nil {
		return nil, err
	}
	res, err := s.evaluate(ctx, sched, inst, m, streak.Today(s.now(), loc))
	if err != nil {
		return nil, err
	}
	return s.save(ctx, def, inst, m.UserID, res)
}

// Progress returns the caller's cached progress, computing it when no
// cache row exists yet.
func (s *Service) Progress(ctx context.Context, instanceID, userID string) (*types.Progress, error) {
	inst, m, err := s.member(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status == types.MemberInvited {
		return nil, ErrForbidden
	}
	p, err := s.store.GetProgress(ctx, inst.ID, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(err)
	}
	def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return nil, storeErr(err)
	}
	return s.refresh(ctx, def, inst, m)
}

// Recompute rebuilds progress from the ledger. With an empty userID every
// member that ever joined is recomputed.
func (s *Service) Recompute(ctx context.Context, instanceID, userID string) ([]types.Progress, error) {
	inst, err := s.reload(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return nil, storeErr(err)
	}

	var out []types.Progress
	for _, m := range inst.Members {
		if m.Status == types.MemberInvited || (userID != "" && m.UserID != userID) {
			continue
		}
		p, err := s.refresh(ctx, def, inst, m)
		if err != nil {
			return nil, fmt.Errorf("recompute %s: %w", m.UserID, err)
		}
		out = append(out, *p)
	}
	if userID != "" && len(out) == 0 {
		return nil, ErrNotFound
	}
	s.logger.Info("progress recomputed",
		"action", "recompute",
		"instance_id", inst.ID,
		"members", len(out),
	)
	return out, nil
}

// EvaluationReport summarizes an evaluation pass.
type EvaluationReport struct {
	Instances  int `json:"instances"`
	Completed  int `json:"completed"`
	Recomputed int `json:"recomputed"`
	Failed     int `json:"failed"`
}

// EvaluateDue recomputes the progress of every active instance and
// completes the ones whose window has closed. It is safe to run alongside
// live check-ins.
func (s *Service) EvaluateDue(ctx context.Context) (EvaluationReport, error) {
	var report EvaluationReport
	insts, err := s.store.ListActiveInstances(ctx)
	if err != nil {
		return report, storeErr(err)
	}

	var errs []error
	for i := range insts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		inst := &insts[i]
		report.Instances++
		completed, recomputed, err := s.evaluateInstance(ctx, inst)
		report.Recomputed += recomputed
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			s.logger.Error("instance evaluation failed",
				"action", "evaluate",
				"instance_id", inst.ID,
				"error", err,
			)
			continue
		}
		if completed {
			report.Completed++
		}
	}
	return report, errors.Join(errs...)
}

func (s *Service) evaluateInstance(ctx context.Context, inst *types.ChallengeInstance) (bool, int, error) {
	def, err := s.store.GetChallenge(ctx, inst.ChallengeID)
	if err != nil {
		return false, 0, storeErr(err)
	}
	sched, err := streak.NewSchedule(def, inst)
	if err != nil {
		return false, 0, err
	}
	loc, err := streak.LoadLocation(inst.Timezone)
	if err != nil {
		return false, 0, err
	}
	today := streak.Today(s.now(), loc)

	recomputed := 0
	for _, m := range inst.Members {
		if m.Status != types.MemberJoined {
			continue
		}
		res, err := s.evaluate(ctx, sched, inst, m, today)
		if err != nil {
			return false, recomputed, err
		}
		if _, err := s.save(ctx, def, inst, m.UserID, res); err != nil {
			return false, recomputed, err
		}
		recomputed++
	}

	if today.Before(sched.End()) {
		return false, recomputed, nil
	}
	changed, err := s.store.CompleteInstance(ctx, inst.ID, s.now())
	if err != nil {
		return false, recomputed, storeErr(err)
	}
	if !changed {
		return false, recomputed, nil
	}
	s.logger.Info("challenge completed",
		"action", "complete",
		"instance_id", inst.ID,
		"end_date", inst.EndDate,
	)
	s.emit(ctx, notify.Event{
		SourceID:    notify.CompleteSource(inst.ID),
		Type:        types.NotificationChallengeCompleted,
		ChallengeID: inst.ChallengeID,
		InstanceID:  inst.ID,
		Payload:     s.eventPayload(ctx, def, inst, ""),
	}, joinedMembers(inst)...)
	return true, recomputed, nil
}

func joinedMembers(inst *types.ChallengeInstance) []string {
	var out []string
	for _, m := range inst.Members {
		if m.Status == types.MemberJoined {
			out = append(out, m.UserID)
		}
	}
	return out
}

// Package streak derives streak and completion statistics from a check-in ledger.
//
// Evaluation is a pure function of the schedule, the participant's ledger and
// the current calendar day: the same inputs always yield the same result, in
// any entry order, which lets live check-ins and the nightly evaluation
// recompute concurrently and converge.
package streak

import (
	"math"
	"sort"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// UnitStatus classifies one accountable unit (a scheduled day, or one slot of
// a weekly quota).
type UnitStatus string

const (
	StatusSatisfied UnitStatus = "satisfied"
	StatusGraced    UnitStatus = "graced"
	StatusMissed    UnitStatus = "missed"
)

// Unit is an evaluated unit. Day is the satisfying day, or the last day of the
// window for unfilled quota slots.
type Unit struct {
	Day    string     `json:"day"`
	Status UnitStatus `json:"status"`
}

// Schedule is the calendar and policy a participant is evaluated against.
type Schedule struct {
	Start        time.Time
	DurationDays int
	Frequency    types.Frequency
	GracePerWeek int
	TaskIDs      []string
	Quota        types.QuotaPolicy
	Rate         types.CompletionRatePolicy
}

// NewSchedule builds the schedule of an instance of a definition. The window
// length comes from the instance dates, which are fixed at join time.
func NewSchedule(def *types.ChallengeDefinition, inst *types.ChallengeInstance) (Schedule, error) {
	start, err := ParseDay(inst.StartDate)
	if err != nil {
		return Schedule{}, err
	}
	duration := def.DurationDays
	if inst.EndDate != "" {
		end, err := ParseDay(inst.EndDate)
		if err != nil {
			return Schedule{}, err
		}
		duration = DaysBetween(start, end)
	}
	return Schedule{
		Start:        start,
		DurationDays: duration,
		Frequency:    def.Frequency,
		GracePerWeek: def.GraceBudget(),
		TaskIDs:      def.TaskIDs(),
		Quota:        def.Policy.Quota,
		Rate:         def.Policy.CompletionRate,
	}, nil
}

// End returns the first day after the window.
func (s Schedule) End() time.Time {
	return AddDays(s.Start, s.DurationDays)
}

// InWindow reports whether day falls inside [Start, End).
func (s Schedule) InWindow(day time.Time) bool {
	return !day.Before(s.Start) && day.Before(s.End())
}

// Scheduled reports whether check-ins on day count toward the streak.
// Window-quota frequencies accept any day of the window.
func (s Schedule) Scheduled(day time.Time) bool {
	if !s.InWindow(day) {
		return false
	}
	if s.Frequency.Kind == types.FrequencyCustom && len(s.Frequency.Weekdays) > 0 {
		for _, wd := range s.Frequency.Weekdays {
			if day.Weekday() == wd {
				return true
			}
		}
		return false
	}
	return true
}

// Result is the outcome of an evaluation.
type Result struct {
	Units          []Unit
	CurrentStreak  int
	LongestStreak  int
	SatisfiedUnits int
	GracedUnits    int
	MissedUnits    int
	CompletionRate float64
	TotalCheckIns  int
	TaskCounts     map[string]int
	TodayTasks     map[string]bool
	TodaySatisfied bool
	// EvaluatedThrough is the last day considered, empty before the window opens.
	EvaluatedThrough string
}

// ledger indexes entries by day and task.
type ledger struct {
	days map[string]map[string]int
}

func newLedger(entries []types.CheckInEntry) ledger {
	l := ledger{days: make(map[string]map[string]int)}
	for _, e := range entries {
		if e.Bonus {
			continue
		}
		tasks, ok := l.days[e.Day]
		if !ok {
			tasks = make(map[string]int)
			l.days[e.Day] = tasks
		}
		tasks[e.TaskID]++
	}
	return l
}

// QuotaMet reports whether the task set checked in on a day satisfies the quota.
func QuotaMet(taskIDs []string, done map[string]int, quota types.QuotaPolicy) bool {
	if len(done) == 0 {
		return false
	}
	if len(taskIDs) == 0 {
		return true
	}
	if quota == types.QuotaAny {
		for _, id := range taskIDs {
			if done[id] > 0 {
				return true
			}
		}
		return false
	}
	for _, id := range taskIDs {
		if done[id] == 0 {
			return false
		}
	}
	return true
}

func (s Schedule) satisfied(l ledger, day time.Time) bool {
	return QuotaMet(s.TaskIDs, l.days[DayKey(day)], s.Quota)
}

// Evaluate computes the participant's statistics. from is the first day the
// participant is accountable for (their join day); today is the current
// calendar day in the instance timezone.
func Evaluate(s Schedule, from, today time.Time, entries []types.CheckInEntry) Result {
	res := Result{
		TaskCounts: make(map[string]int),
		TodayTasks: make(map[string]bool),
	}
	todayKey := DayKey(today)
	for _, e := range entries {
		res.TotalCheckIns++
		res.TaskCounts[e.TaskID]++
		if e.Day == todayKey {
			res.TodayTasks[e.TaskID] = true
		}
	}

	if from.Before(s.Start) {
		from = s.Start
	}
	last := AddDays(s.End(), -1)
	if today.Before(last) {
		last = today
	}
	if s.DurationDays < 1 || last.Before(from) {
		return res
	}
	res.EvaluatedThrough = DayKey(last)

	l := newLedger(entries)
	res.TodaySatisfied = s.Scheduled(today) && s.satisfied(l, today)

	if n := s.Frequency.QuotaPerWindow(); n > 0 {
		res.Units = s.windowUnits(l, from, today, n)
	} else {
		res.Units = s.dailyUnits(l, from, last, today)
	}

	res.tally(s.Rate)
	return res
}

// dailyUnits evaluates every scheduled day from from through last.
func (s Schedule) dailyUnits(l ledger, from, last, today time.Time) []Unit {
	var units []Unit
	graceUsed := make(map[int]int)
	for d := from; !d.After(last); d = AddDays(d, 1) {
		if !s.Scheduled(d) {
			continue
		}
		key := DayKey(d)
		switch {
		case s.satisfied(l, d):
			units = append(units, Unit{Day: key, Status: StatusSatisfied})
		case d.Equal(today):
			// today stays pending until it closes
		default:
			w := DaysBetween(s.Start, d) / 7
			if graceUsed[w] < s.GracePerWeek {
				graceUsed[w]++
				units = append(units, Unit{Day: key, Status: StatusGraced})
			} else {
				units = append(units, Unit{Day: key, Status: StatusMissed})
			}
		}
	}
	return units
}

// windowUnits evaluates window-quota frequencies. Each 7-day window from
// Start requires n satisfied days; the final window is prorated. Unfilled
// slots of a closed window are graced while budget remains, otherwise missed.
func (s Schedule) windowUnits(l ledger, from, today time.Time, n int) []Unit {
	var units []Unit
	end := s.End()
	for wStart := s.Start; wStart.Before(end); wStart = AddDays(wStart, 7) {
		wEnd := AddDays(wStart, 7)
		if wEnd.After(end) {
			wEnd = end
		}
		effStart := wStart
		if from.After(effStart) {
			effStart = from
		}
		if !effStart.Before(wEnd) {
			continue
		}
		if effStart.After(today) {
			break
		}

		length := DaysBetween(effStart, wEnd)
		required := n
		if length < 7 {
			required = int(math.Ceil(float64(n) * float64(length) / 7))
		}
		if required > length {
			required = length
		}

		satisfied := 0
		for d := effStart; d.Before(wEnd) && !d.After(today); d = AddDays(d, 1) {
			if satisfied == required {
				break
			}
			if s.satisfied(l, d) {
				satisfied++
				units = append(units, Unit{Day: DayKey(d), Status: StatusSatisfied})
			}
		}

		if !AddDays(wEnd, -1).Before(today) {
			break
		}
		lastKey := DayKey(AddDays(wEnd, -1))
		grace := s.GracePerWeek
		for i := satisfied; i < required; i++ {
			if grace > 0 {
				grace--
				units = append(units, Unit{Day: lastKey, Status: StatusGraced})
			} else {
				units = append(units, Unit{Day: lastKey, Status: StatusMissed})
			}
		}
	}
	return units
}

func (r *Result) tally(rate types.CompletionRatePolicy) {
	run := 0
	for _, u := range r.Units {
		switch u.Status {
		case StatusSatisfied:
			r.SatisfiedUnits++
			run++
		case StatusGraced:
			r.GracedUnits++
			run++
		case StatusMissed:
			r.MissedUnits++
			run = 0
		}
		if run > r.LongestStreak {
			r.LongestStreak = run
		}
	}
	r.CurrentStreak = run

	var num, den int
	switch rate {
	case types.RateGraceCounts:
		num = r.SatisfiedUnits + r.GracedUnits
		den = r.SatisfiedUnits + r.GracedUnits + r.MissedUnits
	default:
		num = r.SatisfiedUnits
		den = r.SatisfiedUnits + r.MissedUnits
	}
	if den > 0 {
		pct := float64(num) / float64(den) * 100
		r.CompletionRate = math.Round(math.Min(math.Max(pct, 0), 100)*100) / 100
	}
}

// Progress converts the result into the cached progress shape, tasks in
// the given order.
func (r Result) Progress(instanceID, userID string, taskIDs []string) types.Progress {
	p := types.Progress{
		InstanceID:       instanceID,
		UserID:           userID,
		CurrentStreak:    r.CurrentStreak,
		LongestStreak:    r.LongestStreak,
		TotalCheckIns:    r.TotalCheckIns,
		MissedDays:       r.MissedUnits,
		GracedDays:       r.GracedUnits,
		CompletionRate:   r.CompletionRate,
		TodayComplete:    r.TodaySatisfied,
		EvaluatedThrough: r.EvaluatedThrough,
		Tasks:            make([]types.TaskProgress, 0, len(taskIDs)),
	}
	for _, id := range taskIDs {
		p.Tasks = append(p.Tasks, types.TaskProgress{
			TaskID:         id,
			Completed:      r.TodayTasks[id],
			CompletedCount: r.TaskCounts[id],
		})
	}
	return p
}

// CrossedMilestones returns the thresholds in (previous, current], ascending.
func CrossedMilestones(previous, current int, thresholds []int) []int {
	var out []int
	for _, t := range thresholds {
		if t > previous && t <= current {
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

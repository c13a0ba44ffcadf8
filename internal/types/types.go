package types

import (
	"time"
)

// FrequencyKind is the calendar rule a challenge is checked in against
type FrequencyKind string

const (
	FrequencyDaily          FrequencyKind = "daily"
	FrequencyWeekly         FrequencyKind = "weekly"
	FrequencyThreeTimesWeek FrequencyKind = "3x_week"
	FrequencyCustom         FrequencyKind = "custom"
)

// Frequency describes which days of a challenge window are scheduled.
// Custom frequencies carry either DaysPerWeek or Weekdays, never both.
type Frequency struct {
	Kind        FrequencyKind  `json:"kind"`
	DaysPerWeek int            `json:"days_per_week,omitempty"`
	Weekdays    []time.Weekday `json:"weekdays,omitempty"`
}

// QuotaPerWindow returns how many days must be satisfied in each 7-day window
// for window-quota frequencies, or 0 when every scheduled day counts on its own.
func (f Frequency) QuotaPerWindow() int {
	switch f.Kind {
	case FrequencyWeekly:
		return 1
	case FrequencyThreeTimesWeek:
		return 3
	case FrequencyCustom:
		if len(f.Weekdays) == 0 {
			return f.DaysPerWeek
		}
	}
	return 0
}

// QuotaPolicy decides how many tasks satisfy a day
type QuotaPolicy string

const (
	QuotaAll QuotaPolicy = "all"
	QuotaAny QuotaPolicy = "any"
)

// CompletionRatePolicy decides how graced days affect the completion rate
type CompletionRatePolicy string

const (
	RateGraceExcluded CompletionRatePolicy = "grace_excluded"
	RateGraceCounts   CompletionRatePolicy = "grace_counts"
)

// OffSchedulePolicy decides what happens to check-ins on unscheduled days
type OffSchedulePolicy string

const (
	OffScheduleReject OffSchedulePolicy = "reject"
	OffScheduleBonus  OffSchedulePolicy = "bonus"
)

// Policy groups the accounting rules a definition opts into.
type Policy struct {
	Quota          QuotaPolicy          `json:"quota"`
	CompletionRate CompletionRatePolicy `json:"completion_rate"`
	OffSchedule    OffSchedulePolicy    `json:"off_schedule"`
}

// DefaultPolicy returns the policy applied when a definition sets none.
func DefaultPolicy() Policy {
	return Policy{
		Quota:          QuotaAll,
		CompletionRate: RateGraceExcluded,
		OffSchedule:    OffScheduleReject,
	}
}

// Visibility controls who may join a definition
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Task is one checkable item of a challenge definition
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

// ChallengeStats holds denormalized aggregates refreshed by the maintenance worker
type ChallengeStats struct {
	TotalUsers     int     `json:"total_users"`
	ActiveUsers    int     `json:"active_users"`
	CompletionRate float64 `json:"completion_rate"`
	AvgSuccessRate float64 `json:"avg_success_rate"`
}

// ChallengeDefinition is a reusable challenge template
type ChallengeDefinition struct {
	ID                string         `json:"id"`
	AuthorID          string         `json:"author_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Category          string         `json:"category,omitempty"`
	Frequency         Frequency      `json:"frequency"`
	DurationDays      int            `json:"duration_days"`
	Tasks             []Task         `json:"tasks"`
	RequirePhotoProof bool           `json:"require_photo_proof"`
	AllowGraceSkips   bool           `json:"allow_grace_skips"`
	GraceSkipsPerWeek int            `json:"grace_skips_per_week"`
	Visibility        Visibility     `json:"visibility"`
	Policy            Policy         `json:"policy"`
	Stats             ChallengeStats `json:"stats"`
	ArchivedAt        *time.Time     `json:"archived_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// GraceBudget returns the grace skips available per 7-day window.
func (d *ChallengeDefinition) GraceBudget() int {
	if !d.AllowGraceSkips {
		return 0
	}
	return d.GraceSkipsPerWeek
}

// HasTask reports whether the task id belongs to the definition.
func (d *ChallengeDefinition) HasTask(taskID string) bool {
	for _, t := range d.Tasks {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

// TaskIDs returns task ids in check-in order.
func (d *ChallengeDefinition) TaskIDs() []string {
	ids := make([]string, len(d.Tasks))
	for i, t := range d.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// InstanceStatus is the lifecycle state of an enrollment
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceExited    InstanceStatus = "exited"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceExited
}

// MemberStatus is a participant's state within an instance
type MemberStatus string

const (
	MemberInvited MemberStatus = "invited"
	MemberJoined  MemberStatus = "joined"
	MemberExited  MemberStatus = "exited"
)

// Member is a participant row of an instance. The owner is a joined member.
type Member struct {
	UserID    string       `json:"user_id"`
	Status    MemberStatus `json:"status"`
	InvitedBy string       `json:"invited_by,omitempty"`
	JoinedOn  string       `json:"joined_on,omitempty"`
	ExitedAt  *time.Time   `json:"exited_at,omitempty"`
}

// ChallengeInstance is one enrollment run of a definition.
// StartDate and EndDate are day keys; EndDate is exclusive.
type ChallengeInstance struct {
	ID          string         `json:"id"`
	ChallengeID string         `json:"challenge_id"`
	OwnerID     string         `json:"owner_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Timezone    string         `json:"timezone"`
	StartDate   string         `json:"start_date"`
	EndDate     string         `json:"end_date"`
	Status      InstanceStatus `json:"status"`
	ExitReason  string         `json:"exit_reason,omitempty"`
	ExitedAt    *time.Time     `json:"exited_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Members     []Member       `json:"members"`
}

// Member returns the member row for a user, if any.
func (i *ChallengeInstance) Member(userID string) (Member, bool) {
	for _, m := range i.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// IsParticipant reports whether the user is a joined member.
func (i *ChallengeInstance) IsParticipant(userID string) bool {
	m, ok := i.Member(userID)
	return ok && m.Status == MemberJoined
}

// Partners returns the joined members other than userID.
func (i *ChallengeInstance) Partners(userID string) []string {
	var out []string
	for _, m := range i.Members {
		if m.UserID != userID && m.Status == MemberJoined {
			out = append(out, m.UserID)
		}
	}
	return out
}

// CheckInEntry is one append-only task completion event.
// Day is the calendar day in the instance timezone (YYYY-MM-DD).
type CheckInEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	Day        string    `json:"day"`
	Note       string    `json:"note,omitempty"`
	PhotoKey   string    `json:"photo_key,omitempty"`
	Bonus      bool      `json:"bonus,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskProgress is per-task progress for one participant
type TaskProgress struct {
	TaskID         string `json:"task_id"`
	Completed      bool   `json:"completed"`
	CompletedCount int    `json:"completed_count"`
}

// Progress is the cached derived state of one participant in an instance
type Progress struct {
	InstanceID       string         `json:"instance_id"`
	UserID           string         `json:"user_id"`
	CurrentStreak    int            `json:"current_streak"`
	LongestStreak    int            `json:"longest_streak"`
	TotalCheckIns    int            `json:"total_check_ins"`
	MissedDays       int            `json:"missed_days"`
	GracedDays       int            `json:"graced_days"`
	CompletionRate   float64        `json:"completion_rate"`
	TodayComplete    bool           `json:"today_complete"`
	Tasks            []TaskProgress `json:"tasks"`
	HighestMilestone int            `json:"highest_milestone"`
	EvaluatedThrough string         `json:"evaluated_through,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NotificationType classifies notifications
type NotificationType string

const (
	NotificationPartnerComplete     NotificationType = "partner_complete"
	NotificationStreakMilestone     NotificationType = "streak_milestone"
	NotificationChallengeInvitation NotificationType = "challenge_invitation"
	NotificationChallengeExit       NotificationType = "challenge_exit"
	NotificationChallengeCompleted  NotificationType = "challenge_completed"
)

// Notification is an activity event addressed to one recipient
type Notification struct {
	ID               string           `json:"id"`
	Type             NotificationType `json:"type"`
	RecipientID      string           `json:"recipient_id"`
	ActorID          string           `json:"actor_id,omitempty"`
	ChallengeID      string           `json:"challenge_id,omitempty"`
	InstanceID       string           `json:"instance_id,omitempty"`
	Payload          map[string]any   `json:"payload,omitempty"`
	Read             bool             `json:"read"`
	ReadAt           *time.Time       `json:"read_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	DeliveredAt      *time.Time       `json:"-"`
	DeliveryAttempts int              `json:"-"`
}

// User is an account of the service
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeviceToken is a push registration of a user device
type DeviceToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// CoachMessage is a persisted AI coach exchange
type CoachMessage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// SystemStats summarizes service-wide counters
type SystemStats struct {
	Users           int64 `json:"users"`
	ActiveInstances int64 `json:"active_instances"`
	CheckIns        int64 `json:"check_ins"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

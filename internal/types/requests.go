package types

import "time"

// TaskInput describes a task in create and update requests.
// ID is set when an update keeps an existing task.
type TaskInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ChallengeInput is the body of createChallenge and updateChallenge
type ChallengeInput struct {
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	Category          string      `json:"category,omitempty"`
	Frequency         Frequency   `json:"frequency"`
	DurationDays      int         `json:"duration_days"`
	Tasks             []TaskInput `json:"tasks"`
	RequirePhotoProof bool        `json:"require_photo_proof"`
	AllowGraceSkips   bool        `json:"allow_grace_skips"`
	GraceSkipsPerWeek int         `json:"grace_skips_per_week"`
	Visibility        Visibility  `json:"visibility,omitempty"`
	Policy            *Policy     `json:"policy,omitempty"`
}

// RenameRequest renames a definition or an instance
type RenameRequest struct {
	Name string `json:"name"`
}

// JoinChallengeRequest is the body of joinChallenge
type JoinChallengeRequest struct {
	PartnerIDs  []string `json:"partner_ids,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// InviteRequest invites more partners into an instance
type InviteRequest struct {
	UserIDs []string `json:"user_ids"`
}

// CheckInRequest is the body of checkIn
type CheckInRequest struct {
	TaskID   string `json:"task_id"`
	Note     string `json:"note,omitempty"`
	PhotoKey string `json:"photo_key,omitempty"`
}

// CheckInResponse returns the appended entry and refreshed progress
type CheckInResponse struct {
	Entry        CheckInEntry `json:"entry"`
	Progress     Progress     `json:"progress"`
	DayCompleted bool         `json:"day_completed"`
}

// ExitRequest is the body of exitChallenge
type ExitRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InstanceView bundles an instance with its definition and the caller's progress
type InstanceView struct {
	Instance  ChallengeInstance   `json:"instance"`
	Challenge ChallengeDefinition `json:"challenge"`
	Progress  *Progress           `json:"progress,omitempty"`
}

// SignupRequest creates an account
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest exchanges credentials for a token
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries an issued bearer token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// RegisterDeviceRequest registers a push token
type RegisterDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// CoachRequest asks the AI coach for a message
type CoachRequest struct {
	ChallengeID string `json:"challenge_id,omitempty"`
	Prompt      string `json:"prompt"`
}

// ProofUploadResponse carries a pre-signed photo upload target
type ProofUploadResponse struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NotificationList is the response of the notifications query
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

// UnreadCountResponse carries the unread notification count
type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

// MarkAllReadResponse reports how many notifications were marked
type MarkAllReadResponse struct {
	Marked int `json:"marked"`
}

// InviteResponse lists the users newly invited to an instance.
type InviteResponse struct {
	Invited []string `json:"invited"`
}

// UserList is a page of user search results.
type UserList struct {
	Users []User `json:"users"`
}

// ChallengeList is a page of challenge definitions.
type ChallengeList struct {
	Challenges []ChallengeDefinition `json:"challenges"`
}

// InstanceList is the caller's active challenge instances.
type InstanceList struct {
	Instances []InstanceView `json:"instances"`
}

// CoachMessageList is the caller's coach history, newest first.
type CoachMessageList struct {
	Messages []CoachMessage `json:"messages"`
}

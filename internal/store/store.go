package store

import (
	"context"
	"time"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// UserStore persists accounts and push registrations.
type UserStore interface {
	CreateUser(ctx context.Context, u *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]types.User, error)
	RegisterDevice(ctx context.Context, d types.DeviceToken) error
	ListDeviceTokens(ctx context.Context, userID string) ([]types.DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}

// ChallengeStore persists challenge definitions and their tasks.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, def *types.ChallengeDefinition) error
	GetChallenge(ctx context.Context, id string) (*types.ChallengeDefinition, error)
	ListChallenges(ctx context.Context, f ChallengeFilter) ([]types.ChallengeDefinition, error)
	ListPopularChallenges(ctx context.Context, limit int) ([]types.ChallengeDefinition, error)
	RenameChallenge(ctx context.Context, id, name string, at time.Time) error
	UpdateChallenge(ctx context.Context, def *types.ChallengeDefinition) error
	ArchiveChallenge(ctx context.Context, id string, at time.Time) error
	RefreshChallengeStats(ctx context.Context) (int64, error)
}

// ChallengeFilter narrows ListChallenges.
type ChallengeFilter struct {
	AuthorID        string
	IncludeArchived bool
	Limit           int
}

// InstanceStore persists enrollments and their members.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *types.ChallengeInstance) error
	GetInstance(ctx context.Context, id string) (*types.ChallengeInstance, error)
	FindActiveInstance(ctx context.Context, challengeID, userID string) (*types.ChallengeInstance, error)
	ListActiveInstancesForUser(ctx context.Context, userID string) ([]types.ChallengeInstance, error)
	ListActiveInstances(ctx context.Context) ([]types.ChallengeInstance, error)
	CountInstances(ctx context.Context, challengeID string) (int, error)
	AddMembers(ctx context.Context, instanceID string, members []types.Member) ([]string, error)
	JoinMember(ctx context.Context, instanceID, userID, joinedOn string) (bool, error)
	ExitMember(ctx context.Context, instanceID, userID string, at time.Time) (bool, error)
	ExitInstance(ctx context.Context, id, reason string, at time.Time) (bool, error)
	CompleteInstance(ctx context.Context, id string, at time.Time) (bool, error)
	RenameInstance(ctx context.Context, id, name string, at time.Time) error
}

// LedgerStore persists check-ins, day credits and cached progress.
type LedgerStore interface {
	AppendCheckIn(ctx context.Context, e *types.CheckInEntry) error
	GetCheckIn(ctx context.Context, id string) (*types.CheckInEntry, error)
	ListCheckIns(ctx context.Context, instanceID, userID string) ([]types.CheckInEntry, error)
	ClaimDayCredit(ctx context.Context, instanceID, userID, day, entryID string) (bool, error)
	GetProgress(ctx context.Context, instanceID, userID string) (*types.Progress, error)
	SaveProgress(ctx context.Context, p types.Progress) error
	AdvanceMilestone(ctx context.Context, instanceID, userID string, threshold int) (bool, error)
}

// NotificationStore persists notifications and their delivery state.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *types.Notification) (bool, error)
	GetNotification(ctx context.Context, id string) (*types.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]types.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
	ListUndelivered(ctx context.Context, limit, maxAttempts int) ([]types.Notification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, id, reason string) error
	PruneNotifications(ctx context.Context, readBefore time.Time) (int64, error)
}

// IdempotencyStore caches mutation responses by client-supplied key.
type IdempotencyStore interface {
	GetIdempotentResponse(ctx context.Context, userID, key string, now time.Time) (*IdempotentResponse, error)
	SaveIdempotentResponse(ctx context.Context, userID, key string, resp IdempotentResponse) error
	CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// IdempotentResponse is a cached HTTP response.
type IdempotentResponse struct {
	Status    int
	Body      []byte
	ExpiresAt time.Time
}

// CoachStore persists AI coach exchanges and counts usage.
type CoachStore interface {
	RecordCoachMessage(ctx context.Context, m *types.CoachMessage) error
	CountCoachMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListCoachMessages(ctx context.Context, userID string, limit int) ([]types.CoachMessage, error)
}

// Store is the full persistence contract of the service.
type Store interface {
	UserStore
	ChallengeStore
	InstanceStore
	LedgerStore
	NotificationStore
	IdempotencyStore
	CoachStore
	SystemStats(ctx context.Context) (*types.SystemStats, error)
	Ping(ctx context.Context) error
	Close() error
}

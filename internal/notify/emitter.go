// Package notify creates, fans out and delivers activity notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// Namespace seeds deterministic notification ids.
var Namespace = uuid.MustParse("8b3f6f1e-2c4a-5d0b-9e7f-6a1c2d3e4f50")

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n *types.Notification) (bool, error)
}

// Publisher receives notifications after they are stored.
type Publisher interface {
	Publish(n types.Notification)
}

// Event is a state change that notifies one or more recipients.
// SourceID identifies the change; together with the recipient it forms the
// idempotency key of the stored notification.
type Event struct {
	SourceID    string
	Type        types.NotificationType
	ActorID     string
	ChallengeID string
	InstanceID  string
	Payload     map[string]any
}

// Source ids of the events the engine emits.
func CheckInDaySource(instanceID, userID, day string) string {
	return fmt.Sprintf("checkin-day:%s:%s:%s", instanceID, userID, day)
}

func MilestoneSource(instanceID, userID string, threshold int) string {
	return fmt.Sprintf("milestone:%s:%s:%d", instanceID, userID, threshold)
}

func InviteSource(instanceID, inviterID, inviteeID string) string {
	return fmt.Sprintf("invite:%s:%s:%s", instanceID, inviterID, inviteeID)
}

func ExitSource(instanceID, userID string) string {
	return fmt.Sprintf("exit:%s:%s", instanceID, userID)
}

func CompleteSource(instanceID string) string {
	return "complete:" + instanceID
}

// NotificationID returns the id of the notification an event produces for
// a recipient.
func NotificationID(sourceID, recipientID string) string {
	return uuid.NewSHA1(Namespace, []byte(sourceID+"|"+recipientID)).String()
}

// Emitter stores notifications at most once per (event, recipient) and
// publishes the ones it created.
type Emitter struct {
	store   Store
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmitter creates an emitter. pub and m may be nil.
func NewEmitter(store Store, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		store:   store,
		pub:     pub,
		metrics: m,
		logger:  logger.With("component", "notify"),
		now:     time.Now,
	}
}

// Emit stores the event for each recipient and returns how many
// notifications were newly created. Recipients that already hold the
// notification are skipped. A failure for one recipient does not stop the
// others; all failures are returned joined.
func (e *Emitter) Emit(ctx context.Context, ev Event, recipients ...string) (int, error) {
	created := 0
	var errs []error
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		n := types.Notification{
			ID:          NotificationID(ev.SourceID, recipient),
			Type:        ev.Type,
			RecipientID: recipient,
			ActorID:     ev.ActorID,
			ChallengeID: ev.ChallengeID,
			InstanceID:  ev.InstanceID,
			Payload:     ev.Payload,
			CreatedAt:   e.now().UTC(),
		}
		ok, err := e.store.InsertNotification(ctx, &n)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", recipient, err))
			continue
		}
		if !ok {
			e.logger.Debug("notification already exists",
				"action", "emit",
				"type", ev.Type,
				"source", ev.SourceID,
				"recipient", recipient,
			)
			continue
		}
		created++
		e.metrics.NotificationCreated(string(ev.Type))
		if e.pub != nil {
			e.pub.Publish(n)
		}
	}
	if len(errs) > 0 {
		e.logger.Warn("notification emit failed",
			"action", "emit",
			"type", ev.Type,
			"source", ev.SourceID,
			"failures", len(errs),
		)
	}
	return created, errors.Join(errs...)
}

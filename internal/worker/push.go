package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/types"
)

// PushStore defines the store operations needed by the push worker.
type PushStore interface {
	ListUndelivered(ctx context.Context, limit, maxAttempts int) ([]types.Notification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, id, reason string) error
	ListDeviceTokens(ctx context.Context, userID string) ([]types.DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}

// PushWorker delivers stored notifications to the recipients' devices.
// A notification that keeps failing is retried on later cycles until it has
// used maxAttempts, after which the store stops returning it.
type PushWorker struct {
	store       PushStore
	provider    notify.PushProvider
	interval    time.Duration
	batchSize   int
	maxAttempts int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewPushWorker creates a new push delivery worker.
func NewPushWorker(
	s PushStore,
	p notify.PushProvider,
	interval time.Duration,
	batchSize int,
	maxAttempts int,
	m *metrics.Metrics,
) *PushWorker {
	return &PushWorker{
		store:       s,
		provider:    p,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		metrics:     m,
		now:         time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *PushWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Process immediately on start, then on each tick
	w.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

// processPending delivers one batch and returns how many notifications were
// marked delivered.
func (w *PushWorker) processPending(ctx context.Context) int {
	pending, err := w.store.ListUndelivered(ctx, w.batchSize, w.maxAttempts)
	if err != nil {
		slog.Error("failed to list undelivered notifications",
			"error", err,
			"component", "worker",
		)
		return 0
	}

	delivered := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return delivered
		}
		if w.deliver(ctx, n) {
			delivered++
		}
	}

	if delivered > 0 {
		slog.Info("delivered push notifications",
			"action", "push_deliver",
			"count", delivered,
			"component", "worker",
		)
	}
	return delivered
}

// deliver sends n to every device of its recipient. The notification counts
// as delivered when one device accepted it or the recipient has no usable
// device left.
func (w *PushWorker) deliver(ctx context.Context, n types.Notification) bool {
	devices, err := w.store.ListDeviceTokens(ctx, n.RecipientID)
	if err != nil {
		slog.Error("failed to list device tokens",
			"notification_id", n.ID,
			"error", err,
			"component", "worker",
		)
		return false
	}

	title, body := notify.Render(n)
	data := notify.PushData(n)

	var sent, usable int
	var lastErr error
	for _, d := range devices {
		err := w.provider.Send(ctx, notify.PushMessage{
			Token:    d.Token,
			Platform: d.Platform,
			Title:    title,
			Body:     body,
			Data:     data,
		})
		switch {
		case err == nil:
			sent++
			usable++
		case errors.Is(err, notify.ErrInvalidToken):
			if derr := w.store.DeleteDeviceToken(ctx, d.Token); derr != nil {
				slog.Warn("failed to remove invalid device token",
					"user_id", d.UserID,
					"error", derr,
					"component", "worker",
				)
			}
		default:
			usable++
			lastErr = err
		}
	}

	if sent == 0 && usable > 0 {
		w.metrics.PushDelivery("failed")
		reason := "send failed"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		if err := w.store.RecordDeliveryFailure(ctx, n.ID, reason); err != nil {
			slog.Error("failed to record delivery failure",
				"notification_id", n.ID,
				"error", err,
				"component", "worker",
			)
		}
		slog.Warn("push delivery failed, will retry",
			"notification_id", n.ID,
			"attempt", n.DeliveryAttempts+1,
			"max_attempts", w.maxAttempts,
			"error", lastErr,
			"component", "worker",
		)
		return false
	}

	outcome := "sent"
	if sent == 0 {
		outcome = "skipped"
	}
	w.metrics.PushDelivery(outcome)
	if err := w.store.MarkDelivered(ctx, n.ID, w.now().UTC()); err != nil {
		slog.Error("failed to mark notification delivered",
			"notification_id", n.ID,
			"error", err,
			"component", "worker",
		)
		return false
	}
	return true
}

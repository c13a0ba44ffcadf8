package worker

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceStore defines the store operations needed by the maintenance
// worker.
type MaintenanceStore interface {
	CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
	PruneNotifications(ctx context.Context, readBefore time.Time) (int64, error)
	RefreshChallengeStats(ctx context.Context) (int64, error)
}

// VisitorPruner forgets idle rate-limiter clients.
type VisitorPruner interface {
	Cleanup(idle time.Duration) int
}

const visitorIdle = 3 * time.Minute

// MaintenanceResult summarizes one maintenance cycle.
type MaintenanceResult struct {
	IdempotencyCleaned  int64
	NotificationsPruned int64
	ChallengesRefreshed int64
	VisitorsDropped     int
}

// MaintenanceWorker expires idempotency keys, prunes old read
// notifications, and refreshes the denormalized challenge stats.
type MaintenanceWorker struct {
	store     MaintenanceStore
	pruners   []VisitorPruner
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewMaintenanceWorker creates a worker. Each pruner is asked to drop
// clients idle for three minutes on every cycle.
func NewMaintenanceWorker(s MaintenanceStore, interval, retention time.Duration, pruners ...VisitorPruner) *MaintenanceWorker {
	return &MaintenanceWorker{
		store:     s,
		pruners:   pruners,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *MaintenanceWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "maintenance",
		"interval", w.interval.String(),
		"retention", w.retention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "maintenance",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single maintenance cycle. Each step runs even when an
// earlier one failed.
func (w *MaintenanceWorker) RunOnce(ctx context.Context) MaintenanceResult {
	start := w.now()
	var res MaintenanceResult
	var err error

	if res.IdempotencyCleaned, err = w.store.CleanExpiredIdempotency(ctx, start); err != nil {
		w.logFailure(ctx, "idempotency_clean", err)
	}
	if res.NotificationsPruned, err = w.store.PruneNotifications(ctx, start.Add(-w.retention)); err != nil {
		w.logFailure(ctx, "notification_prune", err)
	}
	if res.ChallengesRefreshed, err = w.store.RefreshChallengeStats(ctx); err != nil {
		w.logFailure(ctx, "stats_refresh", err)
	}
	for _, p := range w.pruners {
		res.VisitorsDropped += p.Cleanup(visitorIdle)
	}

	slog.Info("maintenance cycle completed",
		"component", "worker",
		"action", "maintenance_complete",
		"idempotency_cleaned", res.IdempotencyCleaned,
		"notifications_pruned", res.NotificationsPruned,
		"challenges_refreshed", res.ChallengesRefreshed,
		"visitors_dropped", res.VisitorsDropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func (w *MaintenanceWorker) logFailure(ctx context.Context, action string, err error) {
	// Check for graceful shutdown
	if ctx.Err() != nil {
		return
	}
	slog.Error("maintenance step failed",
		"component", "worker",
		"action", action,
		"error", err,
	)
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/metrics"
)

// Evaluator runs one evaluation pass over every active instance.
type Evaluator interface {
	EvaluateDue(ctx context.Context) (challenge.EvaluationReport, error)
}

// EvaluationWorker periodically completes finished instances and recomputes
// the progress of running ones.
type EvaluationWorker struct {
	evaluator Evaluator
	interval  time.Duration
	metrics   *metrics.Metrics
}

// NewEvaluationWorker creates a worker with the given evaluator and interval.
func NewEvaluationWorker(e Evaluator, interval time.Duration, m *metrics.Metrics) *EvaluationWorker {
	return &EvaluationWorker{
		evaluator: e,
		interval:  interval,
		metrics:   m,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Runs once on start so instances that ended while the server was down
// are completed without waiting a full interval.
func (w *EvaluationWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "evaluation",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "evaluation",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single evaluation cycle.
func (w *EvaluationWorker) RunOnce(ctx context.Context) challenge.EvaluationReport {
	start := time.Now()

	report, err := w.evaluator.EvaluateDue(ctx)
	if err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return report
		}
		w.metrics.EvaluationRun("partial")
		slog.Error("evaluation finished with errors",
			"component", "worker",
			"action", "evaluate_failed",
			"instances", report.Instances,
			"failed", report.Failed,
			"error", err,
		)
		return report
	}

	w.metrics.EvaluationRun("ok")
	slog.Info("evaluation cycle completed",
		"component", "worker",
		"action", "evaluate_complete",
		"instances", report.Instances,
		"completed", report.Completed,
		"recomputed", report.Recomputed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report
}

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/nexlevel/internal/challenge"
)

// mockEvaluator implements Evaluator for testing
type mockEvaluator struct {
	mu     sync.Mutex
	calls  int
	report challenge.EvaluationReport
	err    error
}

func (m *mockEvaluator) EvaluateDue(ctx context.Context) (challenge.EvaluationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.report, m.err
}

func (m *mockEvaluator) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestEvaluationWorker_RunsOnSchedule(t *testing.T) {
	ev := &mockEvaluator{report: challenge.EvaluationReport{Instances: 3, Recomputed: 3}}
	worker := NewEvaluationWorker(ev, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	// Initial run plus at least 2 ticks
	time.Sleep(130 * time.Millisecond)
	cancel()

	if calls := ev.getCalls(); calls < 3 {
		t.Errorf("Expected at least 3 evaluations, got %d", calls)
	}
}

func TestEvaluationWorker_RunsOnStart(t *testing.T) {
	ev := &mockEvaluator{}
	worker := NewEvaluationWorker(ev, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if calls := ev.getCalls(); calls != 1 {
		t.Errorf("Expected 1 evaluation on start, got %d", calls)
	}
}

func TestEvaluationWorker_StopsOnCancel(t *testing.T) {
	ev := &mockEvaluator{}
	worker := NewEvaluationWorker(ev, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not stop after context cancellation")
	}
}

func TestEvaluationWorker_RunOnceReturnsPartialReport(t *testing.T) {
	ev := &mockEvaluator{
		report: challenge.EvaluationReport{Instances: 4, Completed: 1, Recomputed: 2, Failed: 1},
		err:    errors.New("1 instance failed"),
	}
	worker := NewEvaluationWorker(ev, time.Hour, nil)

	report := worker.RunOnce(context.Background())
	if report.Failed != 1 || report.Completed != 1 {
		t.Errorf("RunOnce() = %+v, want the partial report", report)
	}
}

package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// blockingWorker runs until cancelled, counting starts.
type blockingWorker struct {
	started *atomic.Int32
}

func (b blockingWorker) Run(ctx context.Context) error {
	if b.started != nil {
		b.started.Add(1)
	}
	<-ctx.Done()
	return nil
}

type failingWorker struct{ err error }

func (f failingWorker) Run(context.Context) error { return f.err }

func (failingWorker) Name() string { return "flaky" }

func runAsync(ctx context.Context, r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, NewRunner(blockingWorker{&started}, blockingWorker{&started}, blockingWorker{&started}))

	waitFor(t, func() bool { return started.Load() == 3 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunnerFailureCancelsSiblings(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	var started atomic.Int32
	done := runAsync(t.Context(), NewRunner(blockingWorker{&started}, failingWorker{boom}))

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() = %v, want %v", err, boom)
		}
		if !strings.Contains(err.Error(), "worker flaky") {
			t.Errorf("Run() = %q, want worker name", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sibling worker was not cancelled")
	}
}

func TestRunnerNoWorkers(t *testing.T) {
	t.Parallel()

	if err := NewRunner().Run(t.Context()); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestWorkerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w    Worker
		want string
	}{
		{w: failingWorker{}, want: "flaky"},
		{w: blockingWorker{}, want: "worker.blockingWorker"},
		{w: NewSnapshotPruner(nil, time.Hour), want: "snapshot_pruner"},
	}
	for _, tt := range tests {
		if got := workerName(tt.w); got != tt.want {
			t.Errorf("workerName(%T) = %q, want %q", tt.w, got, tt.want)
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner runs background workers as one unit: the first failure cancels
// the rest.
type Runner struct {
	workers []Worker
}

// NewRunner returns a Runner over workers. Callers must not pass nil.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned. The returned error names the
// first worker that failed.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		g.Go(func() error {
			slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))
			err := w.Run(ctx)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "worker failed",
					slog.String("worker", name), slog.String("error", err.Error()))
				return fmt.Errorf("worker %s: %w", name, err)
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "worker stopped", slog.String("worker", name))
			return nil
		})
	}
	return g.Wait()
}

func workerName(w Worker) string {
	if n, ok := w.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", w)
}

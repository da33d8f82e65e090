package worker

import (
	"context"
	"log/slog"
	"time"
)

const pruneInterval = time.Hour

// PruneStore is the persistence interface consumed by SnapshotPruner.
type PruneStore interface {
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotPruner deletes snapshots older than the retention period.
type SnapshotPruner struct {
	store     PruneStore
	retention time.Duration
	every     time.Duration
	now       func() time.Time
}

// NewSnapshotPruner creates a SnapshotPruner. A non-positive retention
// keeps every snapshot and returns nil.
func NewSnapshotPruner(store PruneStore, retention time.Duration) *SnapshotPruner {
	if retention <= 0 {
		return nil
	}
	return &SnapshotPruner{store: store, retention: retention, every: pruneInterval, now: time.Now}
}

// Name returns the worker identifier.
func (p *SnapshotPruner) Name() string { return "snapshot_pruner" }

// Run prunes on a periodic schedule until ctx is cancelled.
func (p *SnapshotPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *SnapshotPruner) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneSnapshots(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "snapshot prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("snapshots pruned", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}

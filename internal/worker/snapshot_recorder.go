package worker

import (
	"context"
	"log/slog"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/telemetry"
)

const (
	snapshotChanSize   = 1000
	snapshotBatchSize  = 100
	snapshotFlushEvery = 5 * time.Second
	snapshotDrainTime  = 30 * time.Second
)

// SnapshotStore is the persistence interface consumed by SnapshotRecorder.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snaps []xmlfetch.Snapshot) error
}

// SnapshotRecorder buffers fetch snapshots and batch-flushes them to the
// store. Snapshots are dropped when the buffer is full so a slow database
// never stalls a fetch.
type SnapshotRecorder struct {
	ch         chan xmlfetch.Snapshot
	store      SnapshotStore
	metrics    *telemetry.Metrics
	flushEvery time.Duration
}

// NewSnapshotRecorder creates a SnapshotRecorder backed by store. metrics
// may be nil.
func NewSnapshotRecorder(store SnapshotStore, metrics *telemetry.Metrics) *SnapshotRecorder {
	return &SnapshotRecorder{
		ch:         make(chan xmlfetch.Snapshot, snapshotChanSize),
		store:      store,
		metrics:    metrics,
		flushEvery: snapshotFlushEvery,
	}
}

// Name returns the worker identifier.
func (r *SnapshotRecorder) Name() string { return "snapshot_recorder" }

// Record enqueues a snapshot. It never blocks.
func (r *SnapshotRecorder) Record(s xmlfetch.Snapshot) {
	select {
	case r.ch <- s:
		r.observeQueue()
	default:
		slog.Warn("snapshot dropped, queue full", "feed", s.Feed)
	}
}

// Run flushes snapshots until ctx is cancelled, then drains what is left.
func (r *SnapshotRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	buf := make([]xmlfetch.Snapshot, 0, snapshotBatchSize)
	for {
		select {
		case s := <-r.ch:
			buf = append(buf, s)
			if len(buf) >= snapshotBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *SnapshotRecorder) drain(buf []xmlfetch.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotDrainTime)
	defer cancel()

	for {
		select {
		case s := <-r.ch:
			buf = append(buf, s)
			if len(buf) >= snapshotBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *SnapshotRecorder) flush(ctx context.Context, buf []xmlfetch.Snapshot) {
	batch := make([]xmlfetch.Snapshot, len(buf))
	copy(batch, buf)
	r.observeQueue()

	if err := r.store.InsertSnapshots(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "snapshot flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *SnapshotRecorder) observeQueue() {
	if r.metrics != nil {
		r.metrics.SnapshotQueueLength.Set(float64(len(r.ch)))
	}
}

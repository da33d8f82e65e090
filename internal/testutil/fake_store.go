package testutil

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/storage"
)

// FakeSnapshotStore is an in-memory storage.Store for testing.
type FakeSnapshotStore struct {
	mu    sync.RWMutex
	snaps []xmlfetch.Snapshot

	// InsertErr, when set, fails every InsertSnapshots call.
	InsertErr error
	// PingErr is returned by Ping.
	PingErr error
}

// NewFakeSnapshotStore returns an empty store.
func NewFakeSnapshotStore() *FakeSnapshotStore {
	return &FakeSnapshotStore{}
}

// InsertSnapshots appends snaps.
func (s *FakeSnapshotStore) InsertSnapshots(_ context.Context, snaps []xmlfetch.Snapshot) error {
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snaps...)
	s.mu.Unlock()
	return nil
}

// LatestSnapshot returns the newest snapshot for feed.
func (s *FakeSnapshotStore) LatestSnapshot(ctx context.Context, feed string) (*xmlfetch.Snapshot, error) {
	list, _ := s.ListSnapshots(ctx, feed, 1)
	if len(list) == 0 {
		return nil, xmlfetch.ErrNotFound
	}
	return &list[0], nil
}

// ListSnapshots returns up to limit snapshots for feed, newest first.
func (s *FakeSnapshotStore) ListSnapshots(_ context.Context, feed string, limit int) ([]xmlfetch.Snapshot, error) {
	s.mu.RLock()
	var out []xmlfetch.Snapshot
	for _, snap := range s.snaps {
		if snap.Feed == feed {
			out = append(out, snap)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b xmlfetch.Snapshot) int {
		return cmp.Compare(b.FetchedAt.UnixNano(), a.FetchedAt.UnixNano())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneSnapshots removes snapshots fetched before cutoff.
func (s *FakeSnapshotStore) PruneSnapshots(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.snaps)
	s.snaps = slices.DeleteFunc(s.snaps, func(snap xmlfetch.Snapshot) bool {
		return snap.FetchedAt.Before(cutoff)
	})
	return int64(before - len(s.snaps)), nil
}

// All returns every stored snapshot in insertion order.
func (s *FakeSnapshotStore) All() []xmlfetch.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snaps)
}

// Ping returns PingErr.
func (s *FakeSnapshotStore) Ping(context.Context) error { return s.PingErr }

// Close is a no-op.
func (s *FakeSnapshotStore) Close() error { return nil }

var _ storage.Store = (*FakeSnapshotStore)(nil)

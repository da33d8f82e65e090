// Package storage defines persistence interfaces for fetch snapshots.
package storage

import (
	"context"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

// SnapshotStore manages fetch snapshot persistence.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snaps []xmlfetch.Snapshot) error
	// LatestSnapshot returns xmlfetch.ErrNotFound when feed has no snapshots.
	LatestSnapshot(ctx context.Context, feed string) (*xmlfetch.Snapshot, error)
	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(ctx context.Context, feed string, limit int) ([]xmlfetch.Snapshot, error)
	// PruneSnapshots deletes snapshots fetched before cutoff.
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	SnapshotStore
	Ping(ctx context.Context) error
	Close() error
}

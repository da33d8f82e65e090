// Package worker provides the background tasks of the feed service:
// snapshot persistence, periodic feed refresh, snapshot retention, and DNS
// cache upkeep.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

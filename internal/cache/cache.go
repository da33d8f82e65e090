// Package cache keeps recently fetched feed documents so repeated reads
// within a feed's TTL skip the worker.
package cache

import (
	"context"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

// Cache stores the latest document per feed.
type Cache interface {
	// Get returns the cached document for feed, if still fresh.
	Get(ctx context.Context, feed string) (xmlfetch.Document, bool)
	// Set stores doc under doc.Feed for ttl.
	Set(ctx context.Context, doc xmlfetch.Document, ttl time.Duration)
	// Delete drops the document for feed.
	Delete(ctx context.Context, feed string)
	// Purge drops every document.
	Purge(ctx context.Context)
}

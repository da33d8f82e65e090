package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

// entry carries its own lifetime; feeds may override the default TTL.
type entry struct {
	doc       xmlfetch.Document
	ttl       time.Duration
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU document cache backed by otter.
type Memory struct {
	cache *otter.Cache[string, entry]
	now   func() time.Time
}

// NewMemory creates a cache holding at most maxSize documents. Each entry
// expires after the ttl it was Set with.
func NewMemory(maxSize int) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize: maxSize,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, entry]) time.Duration {
			return e.Value.ttl
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, now: time.Now}, nil
}

// Get returns the document for feed if present and not expired. The
// returned copy is marked Cached.
func (m *Memory) Get(_ context.Context, feed string) (xmlfetch.Document, bool) {
	e, ok := m.cache.GetIfPresent(feed)
	if !ok {
		return xmlfetch.Document{}, false
	}
	if !m.now().Before(e.expiresAt) {
		m.cache.Invalidate(feed)
		return xmlfetch.Document{}, false
	}
	doc := e.doc
	doc.Cached = true
	return doc, true
}

// Set stores doc with a per-entry TTL. A non-positive ttl is a no-op.
func (m *Memory) Set(_ context.Context, doc xmlfetch.Document, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	doc.Cached = false
	m.cache.Set(doc.Feed, entry{doc: doc, ttl: ttl, expiresAt: m.now().Add(ttl)})
}

// Delete drops the document for feed.
func (m *Memory) Delete(_ context.Context, feed string) {
	m.cache.Invalidate(feed)
}

// Purge drops every document.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}

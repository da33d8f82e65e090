package cache

import (
	"context"
	"testing"
	"time"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

func newTestMemory(t *testing.T) (*Memory, *time.Time) {
	t.Helper()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("should not find missing feed")
	}

	m.Set(ctx, xmlfetch.Document{Feed: "stops", Body: "<stops/>", Hash: "h1"}, time.Minute)
	doc, ok := m.Get(ctx, "stops")
	if !ok {
		t.Fatal("should find stops")
	}
	if doc.Body != "<stops/>" || doc.Hash != "h1" {
		t.Errorf("doc = %+v", doc)
	}
	if !doc.Cached {
		t.Error("cached document should be marked Cached")
	}

	m.Delete(ctx, "stops")
	if _, ok := m.Get(ctx, "stops"); ok {
		t.Error("should not find deleted feed")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	m, clock := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, xmlfetch.Document{Feed: "stops", Body: "<a/>"}, 30*time.Second)
	*clock = clock.Add(29 * time.Second)
	if _, ok := m.Get(ctx, "stops"); !ok {
		t.Fatal("entry should still be fresh")
	}
	*clock = clock.Add(2 * time.Second)
	if _, ok := m.Get(ctx, "stops"); ok {
		t.Error("entry should be expired")
	}
}

func TestMemoryZeroTTL(t *testing.T) {
	t.Parallel()
	m, _ := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, xmlfetch.Document{Feed: "stops"}, 0)
	if _, ok := m.Get(ctx, "stops"); ok {
		t.Error("zero TTL should not cache")
	}
}

func TestMemoryPurge(t *testing.T) {
	t.Parallel()
	m, _ := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, xmlfetch.Document{Feed: "a"}, time.Minute)
	m.Set(ctx, xmlfetch.Document{Feed: "b"}, time.Minute)
	m.Purge(ctx)

	for _, feed := range []string{"a", "b"} {
		if _, ok := m.Get(ctx, feed); ok {
			t.Errorf("%s should be purged", feed)
		}
	}
}

func TestMemoryPerEntryTTL(t *testing.T) {
	t.Parallel()
	m, err := NewMemory(100)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, xmlfetch.Document{Feed: "stops", Body: "<stops/>"}, 50*time.Millisecond)
	m.Set(ctx, xmlfetch.Document{Feed: "catalog", Body: "<catalog/>"}, time.Hour)
	time.Sleep(300 * time.Millisecond)

	if _, ok := m.Get(ctx, "stops"); ok {
		t.Error("stops should have expired after its 50ms ttl")
	}
	if _, ok := m.Get(ctx, "catalog"); !ok {
		t.Error("catalog should outlive a shorter ttl set on another feed")
	}
}

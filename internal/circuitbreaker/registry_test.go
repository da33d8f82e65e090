package circuitbreaker

import (
	"sync"
	"testing"
)

func TestRegistryFor(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	a := r.For("stops")
	if r.For("stops") != a {
		t.Fatal("For should return the same breaker for a feed")
	}
	if r.For("catalog") == a {
		t.Fatal("feeds should not share breakers")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.For("stops")
		}()
	}
	wg.Wait()
	for _, b := range got {
		if b != got[0] {
			t.Fatal("concurrent For returned different breakers")
		}
	}
}

func TestRegistryStates(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSamples = 1
	r := NewRegistry(cfg)
	r.For("ok")
	r.For("bad").Record(1)

	states := r.States()
	if states["ok"] != StateClosed || states["bad"] != StateOpen {
		t.Errorf("states = %v", states)
	}
}

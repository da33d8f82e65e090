// Package circuitbreaker stops fetching feeds that keep failing. Each feed
// gets a breaker fed by a sliding window of weighted outcomes; once the
// error rate crosses the threshold the feed is skipped until a single probe
// succeeds.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed lets every fetch through.
	StateClosed State = iota
	// StateOpen rejects fetches until the open timeout passes.
	StateOpen
	// StateHalfOpen lets exactly one probe through.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate that opens the breaker
	MinSamples     int           // outcomes required before the breaker may open
	Window         time.Duration // sliding window length, whole seconds, at most one minute
	OpenTimeout    time.Duration // time spent open before a probe is allowed
}

// DefaultConfig returns the defaults used when a feed sets nothing.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.5,
		MinSamples:     5,
		Window:         time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

const maxSlots = 60

type slot struct {
	weight float64
	count  int
}

// window is a ring of one-second slots.
type window struct {
	slots [maxSlots]slot
	size  int
	head  int
	at    int64 // unix second of slots[head]
}

func newWindow(d time.Duration) window {
	n := int(d / time.Second)
	if n <= 0 || n > maxSlots {
		n = maxSlots
	}
	return window{size: n}
}

func (w *window) rotate(sec int64) {
	if w.at == 0 {
		w.at = sec
		return
	}
	gap := sec - w.at
	if gap <= 0 {
		return
	}
	for i := int64(1); i <= min(gap, int64(w.size)); i++ {
		w.slots[(w.head+int(i))%w.size] = slot{}
	}
	w.head = (w.head + int(gap%int64(w.size))) % w.size
	w.at = sec
}

func (w *window) add(weight float64, now time.Time) {
	w.rotate(now.Unix())
	w.slots[w.head].count++
	w.slots[w.head].weight += weight
}

// rate returns the weighted error rate and the number of outcomes.
func (w *window) rate(now time.Time) (float64, int) {
	w.rotate(now.Unix())
	var weight float64
	var count int
	for i := range w.size {
		weight += w.slots[i].weight
		count += w.slots[i].count
	}
	if count == 0 {
		return 0, 0
	}
	return weight / float64(count), count
}

func (w *window) reset() {
	*w = window{size: w.size}
}

// Breaker guards one feed.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	win      window
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, win: newWindow(cfg.Window)}
}

// State returns the current position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a fetch may proceed. Moving from open to half-open
// claims the probe for the caller.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record feeds one outcome into the breaker. Weight 0 is a success.
func (b *Breaker) Record(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if weight <= 0 {
		b.win.add(0, now)
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.probing = false
			b.win.reset()
		}
		return
	}

	b.win.add(weight, now)
	switch b.state {
	case StateClosed:
		if rate, n := b.win.rate(now); n >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.trip(now)
	}
}

// Release gives back a probe claimed by Allow without recording an outcome,
// e.g. when the caller was canceled.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.probing = false
}

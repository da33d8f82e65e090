// Package app implements the feed service: one worker-backed fetcher per
// configured feed, fronted by a document cache and a circuit breaker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/cache"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/circuitbreaker"
	"github.com/eugener/xmlfetch/internal/connector"
	"github.com/eugener/xmlfetch/internal/fetcher"
	"github.com/eugener/xmlfetch/internal/ratelimit"
	"github.com/eugener/xmlfetch/internal/storage"
	"github.com/eugener/xmlfetch/internal/telemetry"
)

// refreshConcurrency caps parallel fetches during Refresh.
const refreshConcurrency = 4

// Feed is one configured feed.
type Feed struct {
	Name     string
	Params   fetcher.InitParams
	CacheTTL time.Duration // 0 uses the service default
	// RateLimit caps upstream fetches per minute; 0 is unlimited. Cache hits
	// do not count.
	RateLimit int64
}

// ChannelFactory opens a fresh channel to a new worker for feed.
type ChannelFactory func(feed string) (channel.Channel, error)

// SnapshotSink accepts fetch snapshots for persistence.
type SnapshotSink interface {
	Record(snap xmlfetch.Snapshot)
}

// Deps holds the collaborators of a FeedService. Feeds, NewChannel and
// Store are required.
type Deps struct {
	Feeds      []Feed
	NewChannel ChannelFactory
	Store      storage.SnapshotStore
	Cache      cache.Cache // nil disables caching
	DefaultTTL time.Duration
	Breakers   *circuitbreaker.Registry // nil uses circuitbreaker.DefaultConfig
	Limits     *ratelimit.Registry      // nil creates an empty registry
	Recorder   SnapshotSink             // nil drops snapshots
	Metrics    *telemetry.Metrics
	// ConnectorOptions are applied to every connector the service creates.
	ConnectorOptions []connector.Option
}

// FeedStatus describes one feed for listings.
type FeedStatus struct {
	Name      string             `json:"name"`
	URL       string             `json:"url"`
	Worker    string             `json:"worker"`
	Breaker   string             `json:"breaker"`
	Latest    *xmlfetch.Snapshot `json:"latest,omitempty"`
	CacheTTLs int                `json:"cache_ttl_s"`
}

// slot owns the current fetcher of one feed. A faulted fetcher is replaced
// on the next acquire. The fetcher is stored before its worker acknowledges
// initialization so that shutdown can close it mid-handshake.
type slot struct {
	feed Feed

	mu      sync.Mutex
	fetcher *fetcher.XMLFetcher
	closed  bool
}

// FeedService fetches configured feeds through isolated workers.
type FeedService struct {
	deps   Deps
	slots  map[string]*slot
	names  []string
	tracer trace.Tracer
	group  singleflight.Group
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewFeedService returns a service for deps.Feeds. Workers are started
// lazily on first fetch.
func NewFeedService(deps Deps) (*FeedService, error) {
	if deps.NewChannel == nil || deps.Store == nil {
		return nil, errors.New("feed service: channel factory and store are required")
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewRegistry()
	}
	s := &FeedService{
		deps:   deps,
		slots:  make(map[string]*slot, len(deps.Feeds)),
		tracer: telemetry.Tracer(telemetry.ScopeFeeds),
		now:    time.Now,
	}
	for _, f := range deps.Feeds {
		if _, dup := s.slots[f.Name]; dup {
			return nil, fmt.Errorf("feed service: duplicate feed %q", f.Name)
		}
		s.slots[f.Name] = &slot{feed: f}
		s.names = append(s.names, f.Name)
	}
	slices.Sort(s.names)
	return s, nil
}

// Fetch returns the current document for feed name. A fresh cached copy is
// returned without touching the worker; concurrent misses share one fetch.
func (s *FeedService) Fetch(ctx context.Context, name string) (*xmlfetch.Document, error) {
	sl, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "feeds.fetch", trace.WithAttributes(telemetry.AttrFeed.String(name)))
	defer span.End()

	if s.deps.Cache != nil {
		if doc, ok := s.deps.Cache.Get(ctx, name); ok {
			s.countCache(true)
			span.SetAttributes(telemetry.AttrCached.Bool(true))
			return &doc, nil
		}
		s.countCache(false)
	}

	doc, err := s.shared(ctx, sl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(telemetry.AttrCached.Bool(false))
	return doc, nil
}

// Refresh fetches every feed, bypassing the cache, and stores fresh
// documents. Per-feed failures are joined; one bad feed does not stop the
// rest. Only a closed service yields xmlfetch.ErrServiceClosed.
func (s *FeedService) Refresh(ctx context.Context) error {
	if s.isClosed() {
		return xmlfetch.ErrServiceClosed
	}
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(refreshConcurrency)
	for _, name := range s.names {
		sl := s.slots[name]
		g.Go(func() error {
			if _, err := s.shared(ctx, sl); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if s.isClosed() {
		return xmlfetch.ErrServiceClosed
	}
	return errors.Join(errs...)
}

// Snapshots returns up to limit recent fetch snapshots for feed name.
func (s *FeedService) Snapshots(ctx context.Context, name string, limit int) ([]xmlfetch.Snapshot, error) {
	if _, err := s.lookup(name); err != nil {
		return nil, err
	}
	return s.deps.Store.ListSnapshots(ctx, name, limit)
}

// Feeds lists every configured feed with its worker, breaker and latest
// snapshot.
func (s *FeedService) Feeds(ctx context.Context) ([]FeedStatus, error) {
	out := make([]FeedStatus, 0, len(s.names))
	for _, name := range s.names {
		sl := s.slots[name]
		st := FeedStatus{
			Name:      name,
			URL:       sl.feed.Params.URL,
			Worker:    sl.workerState(),
			Breaker:   s.deps.Breakers.For(name).State().String(),
			CacheTTLs: int(s.ttl(sl.feed) / time.Second),
		}
		latest, err := s.deps.Store.LatestSnapshot(ctx, name)
		switch {
		case err == nil:
			st.Latest = latest
		case !errors.Is(err, xmlfetch.ErrNotFound):
			return nil, fmt.Errorf("latest snapshot %q: %w", name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Names returns the configured feed names, sorted.
func (s *FeedService) Names() []string {
	return slices.Clone(s.names)
}

// Close shuts down every worker, failing calls and initializations still in
// flight. Later fetches fail with xmlfetch.ErrServiceClosed.
func (s *FeedService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, name := range s.names {
		if err := s.slots[name].shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("close feed %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *FeedService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *FeedService) lookup(name string) (*slot, error) {
	if s.isClosed() {
		return nil, xmlfetch.ErrServiceClosed
	}
	sl, ok := s.slots[name]
	if !ok {
		return nil, fmt.Errorf("feed %q: %w", name, xmlfetch.ErrNotFound)
	}
	return sl, nil
}

// shared collapses concurrent fetches of one feed. The fetch itself runs
// detached from any single caller, so one canceled caller does not fail the
// others; each caller still stops waiting when its own ctx ends.
func (s *FeedService) shared(ctx context.Context, sl *slot) (*xmlfetch.Document, error) {
	ch := s.group.DoChan(sl.feed.Name, func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), sl)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		doc := *res.Val.(*xmlfetch.Document)
		return &doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FeedService) fetch(ctx context.Context, sl *slot) (*xmlfetch.Document, error) {
	name := sl.feed.Name
	if res := s.deps.Limits.GetOrCreate(name, sl.feed.RateLimit).Allow(); !res.Allowed {
		s.countError(name, "rate_limited")
		return nil, &ratelimit.Error{Feed: name, RetryAfter: res.RetryAfter}
	}
	breaker := s.deps.Breakers.For(name)
	if !breaker.Allow() {
		s.countError(name, "circuit_open")
		return nil, fmt.Errorf("feed %q: %w", name, xmlfetch.ErrCircuitOpen)
	}

	start := s.now()
	body, err := s.fetchBody(ctx, sl)
	latency := s.now().Sub(start)

	snap := xmlfetch.Snapshot{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Feed:      name,
		LatencyMs: latency.Milliseconds(),
		RequestID: xmlfetch.RequestIDFromContext(ctx),
		FetchedAt: start.UTC(),
	}

	if err != nil {
		if w := circuitbreaker.Weight(err); w > 0 {
			breaker.Record(w)
		} else {
			breaker.Release()
		}
		s.countError(name, errorKind(err))
		slog.LogAttrs(ctx, slog.LevelWarn, "feed fetch failed",
			slog.String("feed", name),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		snap.Status = xmlfetch.SnapshotError
		snap.Error = err.Error()
		s.record(snap)
		return nil, fmt.Errorf("feed %q: %w", name, err)
	}

	breaker.Record(0)
	doc := &xmlfetch.Document{
		Feed:      name,
		Body:      body,
		Hash:      xmlfetch.ContentHash(body),
		FetchedAt: snap.FetchedAt,
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Set(ctx, *doc, s.ttl(sl.feed))
	}
	snap.Status = xmlfetch.SnapshotOK
	snap.Size = len(body)
	snap.Hash = doc.Hash
	s.record(snap)
	slog.LogAttrs(ctx, slog.LevelDebug, "feed fetched",
		slog.String("feed", name),
		slog.Int("size", len(body)),
		slog.Duration("latency", latency),
	)
	return doc, nil
}

// fetchBody runs one fetch on the feed's current fetcher, creating it
// first when needed. A channel fault retires the fetcher.
func (s *FeedService) fetchBody(ctx context.Context, sl *slot) (string, error) {
	f, err := sl.acquire(ctx, s.deps.NewChannel, s.connectorOptions(sl.feed.Name))
	if err != nil {
		return "", err
	}
	body, err := f.FetchXML(ctx)
	if err != nil && errors.Is(err, xmlfetch.ErrChannelFault) {
		sl.retire(f)
	}
	return body, err
}

func (s *FeedService) connectorOptions(name string) []connector.Option {
	opts := make([]connector.Option, 0, len(s.deps.ConnectorOptions)+2)
	opts = append(opts, connector.WithName(name))
	if s.deps.Metrics != nil {
		opts = append(opts, connector.WithMetrics(s.deps.Metrics))
	}
	return append(opts, s.deps.ConnectorOptions...)
}

func (s *FeedService) ttl(f Feed) time.Duration {
	if f.CacheTTL > 0 {
		return f.CacheTTL
	}
	return s.deps.DefaultTTL
}

func (s *FeedService) record(snap xmlfetch.Snapshot) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.Record(snap)
	}
}

func (s *FeedService) countCache(hit bool) {
	if s.deps.Metrics == nil {
		return
	}
	if hit {
		s.deps.Metrics.CacheHits.Inc()
	} else {
		s.deps.Metrics.CacheMisses.Inc()
	}
}

func (s *FeedService) countError(feed, kind string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.FetchErrors.WithLabelValues(feed, kind).Inc()
	}
}

// errorKind labels a fetch error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, xmlfetch.ErrInitialization):
		return "init"
	case errors.Is(err, xmlfetch.ErrRemoteOperation):
		return "remote"
	case errors.Is(err, xmlfetch.ErrChannelFault):
		return "fault"
	case errors.Is(err, xmlfetch.ErrConnectorClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// acquire returns a ready fetcher, replacing one that has faulted. The slot
// lock is not held while the worker initializes.
func (sl *slot) acquire(ctx context.Context, newChannel ChannelFactory, opts []connector.Option) (*fetcher.XMLFetcher, error) {
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return nil, xmlfetch.ErrConnectorClosed
	}
	if cur := sl.fetcher; cur != nil {
		if cur.State() == connector.StateReady {
			sl.mu.Unlock()
			return cur, nil
		}
		slog.Warn("replacing fetcher", "feed", sl.feed.Name, "state", cur.State().String())
		cur.Close()
		sl.fetcher = nil
	}
	ch, err := newChannel(sl.feed.Name)
	if err != nil {
		sl.mu.Unlock()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	f := fetcher.New(ch, opts...)
	sl.fetcher = f
	sl.mu.Unlock()

	if err := f.Initialize(ctx, sl.feed.Params); err != nil {
		sl.retire(f)
		return nil, err
	}
	return f, nil
}

// retire drops f if it is still the current fetcher.
func (sl *slot) retire(f *fetcher.XMLFetcher) {
	sl.mu.Lock()
	if sl.fetcher == f {
		sl.fetcher = nil
	}
	sl.mu.Unlock()
	f.Close()
}

// shutdown closes the current fetcher, failing any call or initialization
// still pending on it, and refuses later acquires.
func (sl *slot) shutdown() error {
	sl.mu.Lock()
	sl.closed = true
	f := sl.fetcher
	sl.fetcher = nil
	sl.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func (sl *slot) workerState() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.fetcher == nil {
		return "idle"
	}
	return sl.fetcher.State().String()
}

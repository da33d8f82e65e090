package worker

import (
	"context"
	"log/slog"
	"time"
)

// Refresher refreshes every feed once.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// FeedPoller keeps feeds warm by refreshing them on an interval, starting
// immediately.
type FeedPoller struct {
	feeds    Refresher
	interval time.Duration
}

// NewFeedPoller creates a FeedPoller. A non-positive interval disables
// polling and returns nil.
func NewFeedPoller(feeds Refresher, interval time.Duration) *FeedPoller {
	if interval <= 0 {
		return nil
	}
	return &FeedPoller{feeds: feeds, interval: interval}
}

// Name returns the worker identifier.
func (p *FeedPoller) Name() string { return "feed_poller" }

// Run refreshes all feeds now and then every interval until ctx is
// cancelled. Refresh failures are logged; they never stop the poller.
func (p *FeedPoller) Run(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *FeedPoller) poll(ctx context.Context) {
	start := time.Now()
	if err := p.feeds.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "feed refresh incomplete",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "feeds refreshed", slog.Duration("elapsed", time.Since(start)))
}

package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

// DNSRefresher periodically drops stale entries from the resolver shared by
// in-process fetch workers.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	every    time.Duration
}

// NewDNSRefresher creates a DNSRefresher. It returns nil when there is
// nothing to refresh.
func NewDNSRefresher(r *dnscache.Resolver, every time.Duration) *DNSRefresher {
	if r == nil || every <= 0 {
		return nil
	}
	return &DNSRefresher{resolver: r, every: every}
}

// Name returns the worker identifier.
func (d *DNSRefresher) Name() string { return "dns_refresher" }

// Run refreshes until ctx is cancelled.
func (d *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}

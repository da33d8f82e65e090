// Package fetcher is the XML feed facade over a worker connector. It knows
// the fetch worker's operations and init payload and nothing else.
package fetcher

import (
	"context"

	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/connector"
	"github.com/eugener/xmlfetch/internal/feedauth"
	"github.com/eugener/xmlfetch/internal/message"
)

// Operations understood by the fetch worker.
const (
	OpFetchXML message.Op = "fetchXML"
)

// InitParams configure the worker once, before any fetch.
type InitParams struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Auth      *feedauth.Params  `json:"auth,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// XMLFetcher fetches one feed through its worker.
type XMLFetcher struct {
	conn *connector.Connector
}

// Create wraps ch in a connector, initializes the worker with params, and
// returns the ready fetcher. The channel is closed if initialization fails.
func Create(ctx context.Context, ch channel.Channel, params InitParams, opts ...connector.Option) (*XMLFetcher, error) {
	f := New(ch, opts...)
	if err := f.Initialize(ctx, params); err != nil {
		return nil, err
	}
	return f, nil
}

// New wraps ch without initializing the worker. Owners that must be able to
// Close a fetcher while its initialization is still pending use New and
// Initialize instead of Create.
func New(ch channel.Channel, opts ...connector.Option) *XMLFetcher {
	return &XMLFetcher{conn: connector.New(ch, opts...)}
}

// Initialize sends params to the worker. On failure the fetcher is closed.
func (f *XMLFetcher) Initialize(ctx context.Context, params InitParams) error {
	if err := f.conn.Initialize(ctx, params); err != nil {
		f.conn.Close()
		return err
	}
	return nil
}

// FetchXML returns the feed body. Everything the worker needs was sent
// during initialization, so the request carries no data.
func (f *XMLFetcher) FetchXML(ctx context.Context) (string, error) {
	return connector.CallInto[string](ctx, f.conn, OpFetchXML, struct{}{})
}

// State reports the underlying connector state.
func (f *XMLFetcher) State() connector.State { return f.conn.State() }

// Close shuts the worker down.
func (f *XMLFetcher) Close() error { return f.conn.Close() }

package testutil

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
)

// FakeWorker is a configurable channel.Handler speaking the fetcher
// contract: it accepts any initialize and answers fetchXML with Body.
type FakeWorker struct {
	Body    string
	InitFn  func(ctx context.Context, payload json.RawMessage) error
	FetchFn func(ctx context.Context) (string, error)

	inits   atomic.Int32
	fetches atomic.Int32
}

// Handle dispatches to InitFn and FetchFn, or the defaults.
func (w *FakeWorker) Handle(ctx context.Context, op message.Op, payload json.RawMessage) (any, error) {
	switch op {
	case message.OpInitialize:
		w.inits.Add(1)
		if w.InitFn != nil {
			return nil, w.InitFn(ctx, payload)
		}
		return nil, nil
	case "fetchXML":
		w.fetches.Add(1)
		if w.FetchFn != nil {
			return w.FetchFn(ctx)
		}
		return w.Body, nil
	default:
		return nil, &channel.Failure{Code: "unknown_op", Message: "unknown operation " + string(op)}
	}
}

// Inits returns how many initialize requests were handled.
func (w *FakeWorker) Inits() int { return int(w.inits.Load()) }

// Fetches returns how many fetchXML requests were handled.
func (w *FakeWorker) Fetches() int { return int(w.fetches.Load()) }

var _ channel.Handler = (*FakeWorker)(nil)

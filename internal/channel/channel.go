// Package channel defines the asynchronous, message-only path between a
// connector and an isolated worker, and the worker-side Handler contract.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/eugener/xmlfetch/internal/message"
)

// ErrClosed is the fault cause reported after an explicit Close.
var ErrClosed = errors.New("channel closed")

// Channel is a fire-and-forget link to a worker. Posting never waits for an
// answer; responses arrive on Inbound in any order.
type Channel interface {
	// Post sends m to the worker. It returns once m is handed to the
	// transport, not when the worker has seen it.
	Post(ctx context.Context, m message.Message) error
	// Inbound delivers responses from the worker. It is never closed;
	// watch Done for the end of the stream.
	Inbound() <-chan message.Message
	// Done is closed when the channel faults or is closed.
	Done() <-chan struct{}
	// Err returns the cause after Done is closed, nil before.
	Err() error
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Handler is the worker body: it handles one request and returns either a
// result or an error. Handlers must be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, op message.Op, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, op message.Op, payload json.RawMessage) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, op message.Op, payload json.RawMessage) (any, error) {
	return f(ctx, op, payload)
}

// Failure is an error whose fields travel to the caller as the error payload.
type Failure struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (f *Failure) Error() string {
	if f.Code != "" {
		return f.Code + ": " + f.Message
	}
	return f.Message
}

// FailurePayload converts a handler error into the payload sent back to the
// connector. Errors that are not a *Failure keep only their message.
func FailurePayload(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Message: err.Error()}
}

// Respond runs h for req and builds the matching response envelope.
func Respond(ctx context.Context, h Handler, req message.Message) message.Message {
	result, err := h.Handle(ctx, req.Op, req.Payload)
	if err != nil {
		return failure(req, FailurePayload(err))
	}
	resp, err := message.NewResult(req, result)
	if err != nil {
		return failure(req, &Failure{Message: err.Error(), Code: "encode_error"})
	}
	return resp
}

func failure(req message.Message, f *Failure) message.Message {
	// A *Failure always encodes.
	resp, _ := message.NewFailure(req, f)
	return resp
}

// Fault is a one-shot terminal signal shared by channel implementations.
// The first Trip wins; later causes are dropped.
type Fault struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewFault returns an untripped Fault.
func NewFault() *Fault {
	return &Fault{done: make(chan struct{})}
}

// Trip records err and closes Done. It reports whether this call tripped it.
func (f *Fault) Trip(err error) bool {
	tripped := false
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
		tripped = true
	})
	return tripped
}

// Done is closed once Trip has been called.
func (f *Fault) Done() <-chan struct{} { return f.done }

// Err returns the recorded cause, nil while untripped.
func (f *Fault) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

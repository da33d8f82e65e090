// Package connector turns an asynchronous, message-only worker channel into
// ordinary request/response calls. Every request carries a correlation ID;
// the matching response, in whatever order it arrives, resolves exactly the
// call that sent it.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
	"github.com/eugener/xmlfetch/internal/telemetry"
)

// State is the connector lifecycle position.
type State int

const (
	// StateCreated accepts only Initialize.
	StateCreated State = iota
	// StateInitializing waits for the worker to acknowledge Initialize.
	StateInitializing
	// StateReady accepts calls.
	StateReady
	// StateClosed was reached through Close.
	StateClosed
	// StateFaulted was reached through a channel failure.
	StateFaulted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Option configures a Connector.
type Option func(*Connector)

// WithName labels the connector in logs.
func WithName(name string) Option {
	return func(c *Connector) { c.name = name }
}

// WithCallTimeout bounds every call whose context has no deadline.
// Zero, the default, waits until a response, Close, or a fault.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Connector) { c.callTimeout = d }
}

// WithMetrics records call counts, durations, and pending entries.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithTracerProvider enables a span per call.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Connector) { c.tracer = tp.Tracer(telemetry.ScopeConnector) }
}

// outcome is what a pending call is resolved with.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is one entry in the pending call table.
type pendingCall struct {
	op   message.Op
	done chan outcome // buffered, receives exactly once
}

// Connector owns one channel for its whole lifetime.
type Connector struct {
	ch          channel.Channel
	name        string
	callTimeout time.Duration
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	newID       func() string

	mu      sync.Mutex
	state   State
	pending map[string]*pendingCall
	cause   error // set on fault

	stop     chan struct{}
	loopDone chan struct{}
}

// New wraps ch, which the connector now owns, and starts dispatching its
// responses. The connector starts in StateCreated.
func New(ch channel.Channel, opts ...Option) *Connector {
	c := &Connector{
		ch:       ch,
		name:     "worker",
		tracer:   noop.NewTracerProvider().Tracer(telemetry.ScopeConnector),
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		pending:  make(map[string]*pendingCall),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.dispatch()
	return c
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of calls waiting for a response.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Err returns the channel fault that moved the connector to StateFaulted.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Initialize sends params under the reserved initialize operation and waits
// for the worker to acknowledge it. It must be the first operation and runs
// at most once; every failure matches xmlfetch.ErrInitialization. A failed
// initialization leaves the connector faulted.
func (c *Connector) Initialize(ctx context.Context, params any) error {
	c.mu.Lock()
	switch c.state {
	case StateInitializing, StateReady:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connector already %s", xmlfetch.ErrInitialization, st)
	case StateClosed, StateFaulted:
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", xmlfetch.ErrInitialization, xmlfetch.ErrConnectorClosed)
	}
	c.state = StateInitializing
	id, p := c.register(message.OpInitialize)
	c.mu.Unlock()

	if _, err := c.await(ctx, id, p, params); err != nil {
		c.abort(err)
		return fmt.Errorf("%w: %w", xmlfetch.ErrInitialization, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateInitializing:
		c.state = StateReady
	case StateClosed, StateFaulted:
		return fmt.Errorf("%w: %w", xmlfetch.ErrInitialization, xmlfetch.ErrConnectorClosed)
	}
	slog.Debug("connector ready", "connector", c.name)
	return nil
}

// Call sends op with payload and waits for the matching response. A failure
// reported by the worker is returned as *xmlfetch.RemoteError.
func (c *Connector) Call(ctx context.Context, op message.Op, payload any) (json.RawMessage, error) {
	if op == message.OpInitialize {
		return nil, fmt.Errorf("%w: %s is reserved for Initialize", xmlfetch.ErrBadRequest, op)
	}

	c.mu.Lock()
	switch c.state {
	case StateCreated, StateInitializing:
		c.mu.Unlock()
		return nil, xmlfetch.ErrNotInitialized
	case StateClosed, StateFaulted:
		c.mu.Unlock()
		return nil, xmlfetch.ErrConnectorClosed
	}
	id, p := c.register(op)
	c.mu.Unlock()

	return c.await(ctx, id, p, payload)
}

// CallInto is Call followed by decoding the result into a T.
func CallInto[T any](ctx context.Context, c *Connector, op message.Op, payload any) (T, error) {
	var out T
	raw, err := c.Call(ctx, op, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", op, err)
	}
	return out, nil
}

// Close tears down the channel and fails every pending call with
// xmlfetch.ErrConnectorClosed. Calling it again, or after a fault, is a no-op.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFaulted {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	drained := c.drainLocked()
	c.mu.Unlock()

	c.failAll(drained, xmlfetch.ErrConnectorClosed)
	close(c.stop)
	err := c.ch.Close()
	<-c.loopDone
	slog.Debug("connector closed", "connector", c.name, "failed_pending", len(drained))
	return err
}

// register inserts a pending entry under a fresh correlation ID.
// Caller holds c.mu.
func (c *Connector) register(op message.Op) (string, *pendingCall) {
	id := c.newID()
	for c.pending[id] != nil {
		id = c.newID()
	}
	p := &pendingCall{op: op, done: make(chan outcome, 1)}
	c.pending[id] = p
	if c.metrics != nil {
		c.metrics.PendingCalls.Inc()
	}
	return id, p
}

// take removes and returns the entry for id, or nil if none is pending.
func (c *Connector) take(id string) *pendingCall {
	c.mu.Lock()
	p := c.pending[id]
	if p != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if p != nil && c.metrics != nil {
		c.metrics.PendingCalls.Dec()
	}
	return p
}

// drainLocked empties the pending table. Caller holds c.mu.
func (c *Connector) drainLocked() []*pendingCall {
	drained := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		drained = append(drained, p)
		delete(c.pending, id)
	}
	if c.metrics != nil {
		c.metrics.PendingCalls.Sub(float64(len(drained)))
	}
	return drained
}

func (c *Connector) failAll(calls []*pendingCall, err error) {
	for _, p := range calls {
		p.done <- outcome{err: err}
	}
}

// await posts the request for a registered entry and blocks until the entry
// is resolved or ctx ends.
func (c *Connector) await(ctx context.Context, id string, p *pendingCall, payload any) (raw json.RawMessage, err error) {
	ctx, span := c.tracer.Start(ctx, "connector.call", trace.WithAttributes(
		telemetry.AttrOp.String(string(p.op)),
		telemetry.AttrCorrelationID.String(id),
	))
	start := time.Now()
	defer func() {
		c.observe(p.op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}

	req, err := message.NewRequest(p.op, id, payload)
	if err != nil {
		c.take(id)
		return nil, err
	}
	if err := c.ch.Post(ctx, req); err != nil {
		if c.take(id) == nil {
			// Close or a fault already resolved the entry.
			out := <-p.done
			return out.result, out.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: post %s: %w", xmlfetch.ErrChannelFault, p.op, err)
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		if c.take(id) != nil {
			slog.LogAttrs(ctx, slog.LevelDebug, "call abandoned",
				slog.String("connector", c.name),
				slog.String("op", string(p.op)),
				slog.String("id", id),
			)
			return nil, ctx.Err()
		}
		// Resolution raced the cancellation; the outcome is on its way.
		out := <-p.done
		return out.result, out.err
	}
}

func (c *Connector) observe(op message.Op, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.CallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	c.metrics.CallsTotal.WithLabelValues(string(op), outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.Is(err, xmlfetch.ErrRemoteOperation):
		return telemetry.OutcomeRemoteError
	case errors.Is(err, xmlfetch.ErrConnectorClosed):
		return telemetry.OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCanceled
	default:
		return telemetry.OutcomeFault
	}
}

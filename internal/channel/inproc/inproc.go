// Package inproc runs a worker Handler in its own goroutines behind a
// channel.Channel. Payload bytes are copied on the way in and out, so the
// worker never shares memory with its caller.
package inproc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
)

const (
	requestBuffer  = 64
	responseBuffer = 64
)

// Channel is an in-process worker. Every request is handled on its own
// goroutine, so responses may come back in any order.
type Channel struct {
	handler  channel.Handler
	requests chan message.Message
	inbound  chan message.Message
	fault    *channel.Fault

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a worker running h and returns the channel to it.
func New(h channel.Handler) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		handler:  h,
		requests: make(chan message.Message, requestBuffer),
		inbound:  make(chan message.Message, responseBuffer),
		fault:    channel.NewFault(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Post hands m to the worker goroutine.
func (c *Channel) Post(ctx context.Context, m message.Message) error {
	m = clone(m)
	select {
	case <-c.fault.Done():
		return c.fault.Err()
	default:
	}
	select {
	case c.requests <- m:
		return nil
	case <-c.fault.Done():
		return c.fault.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound delivers worker responses.
func (c *Channel) Inbound() <-chan message.Message { return c.inbound }

// Done is closed when the worker crashes or the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.fault.Done() }

// Err returns the fault cause.
func (c *Channel) Err() error { return c.fault.Err() }

// Close stops the worker and waits for in-flight handlers to return.
func (c *Channel) Close() error {
	c.fault.Trip(channel.ErrClosed)
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Channel) loop() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.requests:
			if req.IsResponse() {
				slog.Warn("inproc worker: dropping response sent as request", "op", string(req.Op), "id", req.ID)
				continue
			}
			c.wg.Add(1)
			go c.handle(req)
		case <-c.fault.Done():
			return
		}
	}
}

func (c *Channel) handle(req message.Message) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.LogAttrs(c.ctx, slog.LevelError, "inproc worker panic",
				slog.String("op", string(req.Op)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.fault.Trip(fmt.Errorf("%w: %v", xmlfetch.ErrWorkerCrashed, r))
			c.cancel()
		}
	}()

	resp := clone(channel.Respond(c.ctx, c.handler, req))
	select {
	case c.inbound <- resp:
	case <-c.fault.Done():
	}
}

func clone(m message.Message) message.Message {
	m.Payload = bytes.Clone(m.Payload)
	m.Result = bytes.Clone(m.Result)
	m.Error = bytes.Clone(m.Error)
	return m
}

var _ channel.Channel = (*Channel)(nil)

// Package testutil provides configurable test fakes for fetcher interfaces.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
)

// FakeChannel is a channel.Channel driven by the test: posted requests show
// up on Posted, and the test decides which responses to deliver and when.
type FakeChannel struct {
	Posted chan message.Message

	inbound chan message.Message
	fault   *channel.Fault

	mu      sync.Mutex
	closed  int
	PostErr error // returned by Post when set
}

// NewFakeChannel returns an empty FakeChannel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		Posted:  make(chan message.Message, 128),
		inbound: make(chan message.Message, 128),
		fault:   channel.NewFault(),
	}
}

// Post records m.
func (f *FakeChannel) Post(ctx context.Context, m message.Message) error {
	f.mu.Lock()
	err := f.PostErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-f.fault.Done():
		return f.fault.Err()
	default:
	}
	select {
	case f.Posted <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound delivers responses queued with Deliver.
func (f *FakeChannel) Inbound() <-chan message.Message { return f.inbound }

// Done is closed by Fail or Close.
func (f *FakeChannel) Done() <-chan struct{} { return f.fault.Done() }

// Err returns the fault cause.
func (f *FakeChannel) Err() error { return f.fault.Err() }

// Close records the call and trips the channel with channel.ErrClosed.
func (f *FakeChannel) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.fault.Trip(channel.ErrClosed)
	return nil
}

// Closed returns how many times Close was called.
func (f *FakeChannel) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Fail simulates the worker dying or the transport breaking.
func (f *FakeChannel) Fail(err error) { f.fault.Trip(err) }

// Deliver queues a message as if the worker had posted it.
func (f *FakeChannel) Deliver(m message.Message) { f.inbound <- m }

// Next waits for the next posted request.
func (f *FakeChannel) Next(t testing.TB) message.Message {
	t.Helper()
	select {
	case m := <-f.Posted:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no request posted")
		return message.Message{}
	}
}

// Succeed answers req with result.
func (f *FakeChannel) Succeed(t testing.TB, req message.Message, result any) {
	t.Helper()
	resp, err := message.NewResult(req, result)
	if err != nil {
		t.Fatal(err)
	}
	f.Deliver(resp)
}

// Reject answers req with a failure payload.
func (f *FakeChannel) Reject(t testing.TB, req message.Message, errPayload any) {
	t.Helper()
	resp, err := message.NewFailure(req, errPayload)
	if err != nil {
		t.Fatal(err)
	}
	f.Deliver(resp)
}

var _ channel.Channel = (*FakeChannel)(nil)

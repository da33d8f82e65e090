// Package stream carries envelopes over any byte stream (pipe, socket,
// subprocess stdio) as newline-delimited JSON.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
)

const inboundBuffer = 64

// Channel is the connector side of a stream link.
type Channel struct {
	rwc     io.ReadWriteCloser
	enc     *message.Encoder
	inbound chan message.Message
	fault   *channel.Fault

	closeOnce sync.Once
	closeErr  error
}

// New wraps rwc and starts reading responses from it. The channel owns rwc.
func New(rwc io.ReadWriteCloser) *Channel {
	c := &Channel{
		rwc:     rwc,
		enc:     message.NewEncoder(rwc),
		inbound: make(chan message.Message, inboundBuffer),
		fault:   channel.NewFault(),
	}
	go c.readLoop()
	return c
}

// Post writes m to the stream. A write failure faults the channel. If ctx
// ends while the write is blocked, for example because the worker stopped
// reading, the channel is faulted and the stream closed: a partly written
// line cannot be taken back.
func (c *Channel) Post(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.fault.Done():
		return c.fault.Err()
	default:
	}

	written := make(chan error, 1)
	go func() { written <- c.enc.Encode(m) }()
	select {
	case err := <-written:
		if err != nil {
			c.fault.Trip(fmt.Errorf("%w: write: %w", xmlfetch.ErrChannelFault, err))
			return c.fault.Err()
		}
		return nil
	case <-ctx.Done():
		c.fault.Trip(fmt.Errorf("%w: write abandoned: %w", xmlfetch.ErrChannelFault, ctx.Err()))
		c.closeStream()
		return ctx.Err()
	}
}

// Inbound delivers decoded responses.
func (c *Channel) Inbound() <-chan message.Message { return c.inbound }

// Done is closed on EOF, read/write failure, or Close.
func (c *Channel) Done() <-chan struct{} { return c.fault.Done() }

// Err returns the fault cause.
func (c *Channel) Err() error { return c.fault.Err() }

// Close closes the underlying stream.
func (c *Channel) Close() error {
	c.fault.Trip(channel.ErrClosed)
	return c.closeStream()
}

func (c *Channel) closeStream() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

func (c *Channel) readLoop() {
	dec := message.NewDecoder(c.rwc)
	for {
		m, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fault.Trip(fmt.Errorf("%w: read: %w", xmlfetch.ErrChannelFault, err))
			return
		}
		if !m.IsResponse() {
			slog.Warn("stream: dropping non-response from worker", "op", string(m.Op), "id", m.ID)
			continue
		}
		select {
		case c.inbound <- m:
		case <-c.fault.Done():
			return
		}
	}
}

var _ channel.Channel = (*Channel)(nil)

package connector

import (
	"fmt"
	"log/slog"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/message"
)

// dispatch is the only consumer of the channel's responses.
func (c *Connector) dispatch() {
	defer close(c.loopDone)
	for {
		select {
		case m := <-c.ch.Inbound():
			c.resolve(m)
		case <-c.ch.Done():
			// Responses that made it out before the failure still count.
			for {
				select {
				case m := <-c.ch.Inbound():
					c.resolve(m)
					continue
				default:
				}
				break
			}
			c.fault(c.ch.Err())
			return
		case <-c.stop:
			return
		}
	}
}

// resolve hands a response to the call waiting on its correlation ID.
// Responses nobody waits for are dropped.
func (c *Connector) resolve(m message.Message) {
	if !m.IsResponse() {
		c.discard(m, "not a response")
		return
	}
	p := c.take(m.ID)
	if p == nil {
		c.discard(m, "no pending call")
		return
	}
	if p.op != m.Op {
		slog.Warn("response op differs from request op",
			"connector", c.name, "id", m.ID, "request_op", string(p.op), "response_op", string(m.Op))
	}
	if m.OK {
		p.done <- outcome{result: m.Result}
		return
	}
	p.done <- outcome{err: &xmlfetch.RemoteError{Op: string(p.op), Payload: m.Error}}
}

func (c *Connector) discard(m message.Message, reason string) {
	slog.Warn("discarding stray message",
		"connector", c.name, "id", m.ID, "op", string(m.Op), "reason", reason)
	if c.metrics != nil {
		c.metrics.StrayResponses.Inc()
	}
}

// fault moves the connector to StateFaulted after the channel failed on its
// own and fails every pending call with xmlfetch.ErrChannelFault.
func (c *Connector) fault(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFaulted {
		c.mu.Unlock()
		return
	}
	c.state = StateFaulted
	c.cause = cause
	drained := c.drainLocked()
	c.mu.Unlock()

	slog.Error("worker channel faulted",
		"connector", c.name, "error", cause, "failed_pending", len(drained))
	if c.metrics != nil {
		c.metrics.ChannelFaults.Inc()
	}

	c.failAll(drained, fmt.Errorf("%w: %w", xmlfetch.ErrChannelFault, cause))
	if err := c.ch.Close(); err != nil {
		slog.Debug("close faulted channel", "connector", c.name, "error", err)
	}
}

// abort gives up on a connector whose initialization failed. The worker's
// state is unknown, so the channel is torn down.
func (c *Connector) abort(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFaulted {
		c.mu.Unlock()
		return
	}
	c.state = StateFaulted
	c.cause = cause
	drained := c.drainLocked()
	c.mu.Unlock()

	slog.Warn("initialization failed, closing worker channel", "connector", c.name, "error", cause)
	c.failAll(drained, fmt.Errorf("%w: %w", xmlfetch.ErrChannelFault, cause))
	if err := c.ch.Close(); err != nil {
		slog.Debug("close channel after failed init", "connector", c.name, "error", err)
	}
}

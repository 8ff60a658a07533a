// Package stream provides the live delivery surface of the pipeline. Sinks
// carry user-visible events to clients over a transport (channel, Pulse);
// durable storage is handled separately by the persistence coordinator, so a
// slow or lossy sink never affects the stored stream.
//
// Implementations must be safe for concurrent Send calls.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/turnpipe/turnpipe/event"
)

// ErrSinkClosed is returned by Send after the sink has been closed.
var ErrSinkClosed = errors.New("stream: sink is closed")

// Sink delivers live events to clients. Send publishes one event; delivery is
// best effort and must not block turn processing indefinitely. Close releases
// transport resources; it is idempotent, and Send returns ErrSinkClosed
// afterwards.
type Sink interface {
	Send(ctx context.Context, ev event.Event) error
	Close(ctx context.Context) error
}

// DefaultChanBuffer is the channel capacity used when NewChan is given a
// non-positive size.
const DefaultChanBuffer = 256

// Chan is an in-process sink backed by a buffered channel. When the buffer is
// full the event is dropped and counted rather than blocking the sender, so a
// stalled consumer cannot stall the pipeline.
type Chan struct {
	mu      sync.Mutex
	ch      chan event.Event
	closed  bool
	dropped atomic.Int64
}

var _ Sink = (*Chan)(nil)

// NewChan returns a channel sink with the given buffer capacity.
func NewChan(buffer int) *Chan {
	if buffer <= 0 {
		buffer = DefaultChanBuffer
	}
	return &Chan{ch: make(chan event.Event, buffer)}
}

// Send implements Sink. A full buffer drops the event and returns nil.
func (c *Chan) Send(ctx context.Context, ev event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Events returns the receive side of the sink. The channel is closed by Close.
func (c *Chan) Events() <-chan event.Event { return c.ch }

// Dropped reports how many events were discarded because the buffer was full.
func (c *Chan) Dropped() int64 { return c.dropped.Load() }

// Close implements Sink.
func (c *Chan) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.ch)
	return nil
}

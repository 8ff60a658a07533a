// Package persist coordinates durable writes of pipeline events. Events
// carry a persistence strategy: sync writes block the turn until the row is
// stored, async writes are queued onto a bounded buffer and flushed by a
// background worker. A full queue drops the write (counted and logged)
// rather than stalling the turn, and a failed async write is logged without
// ever aborting the turn that produced it.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turnpipe/turnpipe/event"
	"github.com/turnpipe/turnpipe/store"
	"github.com/turnpipe/turnpipe/telemetry"
)

// ErrQueueFull is returned by WriteAsync when the bounded queue is at
// capacity and the event was dropped.
var ErrQueueFull = errors.New("persist: async write queue is full")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("persist: coordinator is closed")

const (
	// DefaultQueueSize bounds the async write queue.
	DefaultQueueSize = 512
	// DefaultWriteTimeout bounds a single store append.
	DefaultWriteTimeout = 10 * time.Second
)

type (
	// Options configures a Coordinator.
	Options struct {
		// Store receives the durable rows. Required.
		Store store.Store
		// Logger records dropped and failed writes. Optional, defaults to noop.
		Logger telemetry.Logger
		// Metrics counts persisted, dropped, and failed writes. Optional,
		// defaults to noop.
		Metrics telemetry.Metrics
		// QueueSize bounds the async queue. Non-positive uses DefaultQueueSize.
		QueueSize int
		// WriteTimeout bounds each store append. Non-positive uses
		// DefaultWriteTimeout.
		WriteTimeout time.Duration
	}

	// Coordinator owns the write path to the event store. Safe for concurrent
	// use; one background worker drains the async queue until Close.
	Coordinator struct {
		store   store.Store
		log     telemetry.Logger
		metrics telemetry.Metrics
		timeout time.Duration

		mu     sync.Mutex
		closed bool
		queue  chan *store.Record
		wg     sync.WaitGroup
	}
)

// New constructs a Coordinator and starts its async write worker.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	c := &Coordinator{
		store:   opts.Store,
		log:     logger,
		metrics: metrics,
		timeout: timeout,
		queue:   make(chan *store.Record, size),
	}
	c.wg.Add(1)
	go c.worker()
	return c, nil
}

// WriteSync converts the event to its durable row and blocks until the row is
// stored or the write fails. Callers abort the turn on error: a lost
// sync-tier row would otherwise leave an unpaired tool request or an
// unrecorded handoff in the durable stream.
func (c *Coordinator) WriteSync(ctx context.Context, ev event.Event) error {
	rec, err := store.RecordOf(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("sync write %s event: %w", ev.Kind(), err)
	}
	c.metrics.RecordTimer(telemetry.MetricWriteDuration, time.Since(start), "mode", "sync")
	c.metrics.IncCounter(telemetry.MetricEventsPersisted, 1, "mode", "sync", "kind", string(ev.Kind()))
	return nil
}

// WriteAsync converts the event to its durable row and enqueues it for the
// background worker. A full queue drops the row and returns ErrQueueFull;
// callers log and continue.
func (c *Coordinator) WriteAsync(ctx context.Context, ev event.Event) error {
	rec, err := store.RecordOf(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- rec:
		return nil
	default:
		c.log.Warn(ctx, "async write queue full, event dropped",
			"session_id", rec.SessionID, "kind", rec.Kind, "seq", rec.Seq)
		c.metrics.IncCounter(telemetry.MetricAsyncWriteDropped, 1, "kind", rec.Kind)
		return ErrQueueFull
	}
}

// Close stops accepting writes and blocks until the worker has drained the
// queue or ctx expires. Idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker drains the async queue. Failures are logged and counted but never
// propagate: the live stream has already moved on.
func (c *Coordinator) worker() {
	defer c.wg.Done()
	for rec := range c.queue {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.store.Append(ctx, rec)
		cancel()
		if err != nil {
			c.log.Error(ctx, "async write failed",
				"session_id", rec.SessionID, "kind", rec.Kind, "seq", rec.Seq, "err", err)
			c.metrics.IncCounter(telemetry.MetricAsyncWriteFailures, 1, "kind", rec.Kind)
			continue
		}
		c.metrics.RecordTimer(telemetry.MetricWriteDuration, time.Since(start), "mode", "async")
		c.metrics.IncCounter(telemetry.MetricEventsPersisted, 1, "mode", "async", "kind", rec.Kind)
	}
}

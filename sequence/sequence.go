// Package sequence hands out the global event ordering. Numbers are reserved
// in contiguous blocks, one reservation per turn, so concurrent sessions never
// interleave inside a block and the union of all reservations is gap-free.
package sequence

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Allocator reserves contiguous blocks of globally monotonic sequence
// numbers. Implementations must be safe for concurrent use across turn
// pipelines with no external locking.
type Allocator interface {
	// Reserve atomically claims n consecutive numbers and returns the first;
	// the claimed block is [start, start+n). n must be positive. A failure
	// means nothing was reserved: callers treat it as fatal for the turn
	// rather than retrying, because a gap in the sequence is worse than a
	// failed turn.
	Reserve(ctx context.Context, n int) (start int64, err error)
}

// Counter is the in-process Allocator used by tests and single-node setups.
// The zero value is ready to use and starts numbering at zero.
type Counter struct {
	next atomic.Int64
}

// NewCounter constructs an in-process allocator starting at zero.
func NewCounter() *Counter {
	return &Counter{}
}

// Reserve implements Allocator.
func (c *Counter) Reserve(_ context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sequence: reserve count must be positive, got %d", n)
	}
	end := c.next.Add(int64(n))
	return end - int64(n), nil
}

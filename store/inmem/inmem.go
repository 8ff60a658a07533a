// Package inmem provides an in-memory implementation of the event store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/turnpipe/turnpipe/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]*store.Record
	closed   bool
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string][]*store.Record),
	}
}

// Append implements store.Store. Rows for a session are kept sorted by
// sequence number so concurrent turns of one session interleave correctly.
func (s *Store) Append(ctx context.Context, rec *store.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	rows := s.sessions[rec.SessionID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Seq >= rec.Seq })
	if i < len(rows) && rows[i].Seq == rec.Seq {
		return fmt.Errorf("duplicate row for session %q seq %d", rec.SessionID, rec.Seq)
	}
	clone := rec.Clone()
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = clone
	s.sessions[rec.SessionID] = rows
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, sessionID string, cursor int64, limit int) (store.Page, error) {
	select {
	case <-ctx.Done():
		return store.Page{}, ctx.Err()
	default:
	}
	if sessionID == "" {
		return store.Page{}, fmt.Errorf("session id is required")
	}
	if limit <= 0 {
		return store.Page{}, fmt.Errorf("limit must be > 0")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Page{}, store.ErrClosed
	}

	rows := s.sessions[sessionID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Seq > cursor })
	window := rows[i:]
	more := len(window) > limit
	if more {
		window = window[:limit]
	}

	out := make([]*store.Record, 0, len(window))
	for _, r := range window {
		out = append(out, r.Clone())
	}
	page := store.Page{Records: out, More: more}
	if more {
		page.NextCursor = out[len(out)-1].Seq
	}
	return page, nil
}

// Len returns the total number of rows across all sessions. Exposed for
// tests and the demo's summary output.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.sessions {
		n += len(rows)
	}
	return n
}

// Close marks the store closed; subsequent operations return store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

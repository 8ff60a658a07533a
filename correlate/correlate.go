// Package correlate maps provider-native tool ids to the durable ids the
// pipeline persists under. Providers occasionally omit or blank the id on a
// tool_use block; normalization then mints a durable id, and the native id
// and tool name are recorded here as aliases so a later tool-role message
// referencing the native form still pairs with its request. Mappings are
// short-lived: they only matter until the turn that references them completes,
// so every entry carries a TTL.
package correlate

import (
	"context"
	"time"
)

// DefaultTTL bounds the life of a mapping when callers pass no explicit TTL.
const DefaultTTL = 5 * time.Minute

// Store is a small keyed string store with per-entry TTL. Implementations
// must be safe for concurrent use.
type Store interface {
	// Put records key -> val for ttl. A non-positive ttl applies DefaultTTL.
	Put(ctx context.Context, key, val string, ttl time.Duration) error
	// Get returns the value for key and whether a live entry exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

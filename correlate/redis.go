package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every Redis key written by a Redis store.
const DefaultNamespace = "turnpipe:correlate:"

type (
	// RedisOptions configures a Redis store.
	RedisOptions struct {
		// Client is the Redis client. Required.
		Client *goredis.Client
		// Namespace prefixes all keys. Defaults to DefaultNamespace.
		Namespace string
	}

	// Redis stores mappings in Redis for cross-node lookup, with a local
	// write-through cache so the node that minted a mapping resolves it
	// without a round trip.
	Redis struct {
		rdb *goredis.Client
		ns  string

		mu    sync.RWMutex
		local map[string]localEntry
	}

	localEntry struct {
		val     string
		expires time.Time
	}
)

var _ Store = (*Redis)(nil)

// NewRedis constructs a Redis-backed correlation store.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Redis{
		rdb:   opts.Client,
		ns:    ns,
		local: make(map[string]localEntry),
	}, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, key, val string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.rdb.Set(ctx, r.ns+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("store correlation mapping: %w", err)
	}
	r.mu.Lock()
	r.local[key] = localEntry{val: val, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	// Fast path: local cache, honoring the entry TTL.
	r.mu.RLock()
	e, ok := r.local[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.val, true, nil
	}

	// Slow path: cross-node lookup.
	val, err := r.rdb.Get(ctx, r.ns+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup correlation mapping: %w", err)
	}
	return val, true, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()
	if err := r.rdb.Del(ctx, r.ns+key).Err(); err != nil {
		return fmt.Errorf("delete correlation mapping: %w", err)
	}
	return nil
}

// Package kvstore defines the key-value contract the cache service sits on and
// its memory, redis and sql backends.
package kvstore

import (
	"context"
	"errors"
	"time"
)

const (
	// TTLNoExpiry is reported by TTL for keys stored without an expiry.
	TTLNoExpiry time.Duration = -1
	// TTLMissing is reported by TTL for keys that are absent or expired.
	TTLMissing time.Duration = -2

	// DefaultSweepInterval is how often local backends purge expired entries.
	DefaultSweepInterval = 5 * time.Minute
)

// ErrNotInteger is returned by Incr when the stored value is not a decimal integer.
var ErrNotInteger = errors.New("kvstore: value is not an integer")

// Store is a byte-oriented key-value store with per-key expiry. Expired entries
// are never returned. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set upserts value. A ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// DelPattern removes every key matching the glob and reports how many went away.
	DelPattern(ctx context.Context, pattern string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Incr creates the counter at 1 with ttl when absent. Increments of a live
	// counter keep its original expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Flush(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	Name() string
	Close() error
}

// Package metadata defines the Metadata Store Adapter: a thin,
// synchronous interface over an external key/value service that
// coordinates cache accounting and drives TTL expiry notifications. The
// concrete implementation (package metadata's RedisStore) talks to
// Redis; an in-memory fake is provided for tests that do not need a
// live server.
package metadata

import (
	"context"
	"time"
)

// Store is the adapter contract from the spec: string get/set with
// optional TTL, hash get/set, sorted-set insert/pop-min, counter
// decrement, multi-key transactions, and keyspace-event subscription.
//
// Every method may fail; callers (the cache policies) are responsible
// for degrading a Store error into a logged fault and a cache miss, per
// the spec's error-handling design — Store itself never hides errors.
type Store interface {
	// GetString returns the string stored at key, or ok=false if it
	// does not exist.
	GetString(ctx context.Context, key string) (value string, ok bool, err error)

	// SetString sets key to value. If ttl > 0 the key expires after
	// ttl.
	SetString(ctx context.Context, key, value string, ttl time.Duration) error

	// HGetAll returns every field of the hash at key. A missing hash
	// returns an empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet sets one or more fields of the hash at key, creating it if
	// necessary.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// Del deletes key outright (used to delete an entry's hash).
	Del(ctx context.Context, key string) error

	// ZAdd inserts or updates member in the sorted set at key with the
	// given score.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZPopMin removes and returns the lowest-scored member of the
	// sorted set at key. ok is false if the set was empty.
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)

	// IncrBy atomically adds delta (which may be negative) to the
	// counter at key and returns its new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// GetCounter returns the current value of the counter at key,
	// or 0 if it does not exist.
	GetCounter(ctx context.Context, key string) (int64, error)

	// Transaction watches the given keys for concurrent modification
	// and invokes fn with a Tx bound to the same underlying connection,
	// so reads inside fn observe a consistent view and are never served
	// from a separate, unwatched connection. If a watched key changes
	// before fn returns, Transaction retries fn from the start, up to
	// an implementation-defined bound.
	Transaction(ctx context.Context, watch []string, fn func(tx Tx) error) error

	// Subscribe opens a keyspace-event subscription matching pattern.
	// The caller is responsible for closing the returned Subscription.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// Close releases any resources held by the store.
	Close() error
}

// Tx is the view of Store available inside a Transaction callback. It
// mirrors the hash/sorted-set/counter operations needed by the LRU
// eviction algorithm; all reads and writes run on the same
// watch-bound connection.
type Tx interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, key string) error
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
}

// Message is a single keyspace-event notification.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live keyspace-event subscription.
type Subscription interface {
	// ReceiveTimeout blocks for at most timeout waiting for the next
	// message. timedOut is true (with a nil error) if no message
	// arrived within timeout; this is not a failure and must not be
	// treated as one by callers.
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (msg *Message, timedOut bool, err error)

	Close() error
}

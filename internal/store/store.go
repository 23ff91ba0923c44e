// Package store defines the abstract distributed counter backend consumed
// by the algorithms, circuit breaker, quota manager, and priority queue.
// Two implementations are provided: MemoryStore for a single process and
// RedisStore for a gateway fleet sharing state across replicas.
package store

import (
	"context"
	"time"
)

// Bucket is the persisted state for token-bucket and leaky-bucket
// algorithms: a real-valued level plus the instant it was last updated.
type Bucket struct {
	Balance    float64
	LastUpdate time.Time
}

// QueueEntry is a single deferred request held by the priority queue.
type QueueEntry struct {
	Priority    int
	EnqueueTime time.Time
	Deadline    time.Time
	Handle      string
}

// Store is the abstract interface consumed by algorithms, the circuit
// breaker, the quota manager, and the priority queue. All operations must
// be atomic across replicas when backed by a shared key-value store.
type Store interface {
	// IncrementWithExpiry atomically increments key by delta. If the key is
	// absent, it is set to delta and its TTL to window. Returns the new
	// count and the TTL remaining on the key.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, window time.Duration) (count int64, ttl time.Duration, err error)

	// PeekCounter returns the counter currently stored at key, without
	// mutating it, for the read-only Limiter.Peek contract.
	PeekCounter(ctx context.Context, key string) (count int64, ttl time.Duration, ok bool, err error)

	// AddTimestamp appends ts to the ordered set at key, trims entries
	// older than now-window, and returns the resulting cardinality.
	AddTimestamp(ctx context.Context, key string, ts time.Time, window time.Duration) (count int64, err error)

	// PeekTimestampCount returns the number of entries at key newer than
	// now-window, without mutating the set.
	PeekTimestampCount(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, err error)

	// RemoveTimestamp removes one occurrence of ts from the ordered set at
	// key. Used to roll back a sliding-window admission that was denied.
	RemoveTimestamp(ctx context.Context, key string, ts time.Time) error

	// OldestTimestamp returns the earliest timestamp still held in the
	// ordered set at key, used to compute the sliding-window reset instant.
	OldestTimestamp(ctx context.Context, key string) (time.Time, bool, error)

	// GetBucket returns the bucket stored at key, or ok=false if absent.
	GetBucket(ctx context.Context, key string) (bucket Bucket, ok bool, err error)

	// SetBucket writes bucket at key with the given TTL, but only if the
	// currently stored bucket's LastUpdate equals prevLastUpdate (or the
	// key is absent and prevLastUpdate is the zero value). Returns
	// ok=false on a CAS mismatch; callers retry up to 3 times.
	SetBucket(ctx context.Context, key string, bucket Bucket, prevLastUpdate time.Time, ttl time.Duration) (ok bool, err error)

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Enqueue adds entry to the named priority queue.
	Enqueue(ctx context.Context, queueName string, entry QueueEntry) error
	// Dequeue removes and returns the highest-priority entry from the named
	// queue, or ok=false if it is empty. Within a priority, MemoryStore
	// returns the earliest deadline first, then the earliest enqueue time;
	// RedisStore returns the earliest enqueue time first and does not order
	// by deadline.
	Dequeue(ctx context.Context, queueName string) (entry QueueEntry, ok bool, err error)
	// QueueLen returns the current depth of the named queue.
	QueueLen(ctx context.Context, queueName string) (int64, error)

	Close() error
}

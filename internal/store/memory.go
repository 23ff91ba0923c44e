package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketStore is an optional fast path a Store may implement for the
// token-bucket algorithm. golang.org/x/time/rate already implements a
// correct, allocation-light token bucket for a single process, so
// MemoryStore reaches for it instead of round-tripping through the generic
// GetBucket/SetBucket compare-and-set pair meant for cross-replica stores.
// now is threaded through explicitly rather than read from time.Now(),
// matching every other algorithm in internal/algorithms so callers and
// tests can still control time deterministically.
type TokenBucketStore interface {
	ReserveToken(ctx context.Context, key string, burst int, refillRate float64, cost int64, now time.Time) (allowed bool, remaining float64, waitUntil time.Time, err error)
}

type counterEntry struct {
	count    int64
	expireAt time.Time
}

type tsSetEntry struct {
	timestamps []time.Time
}

type bucketEntry struct {
	Bucket
}

type byteEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

// MemoryStore is a single-process Store backed by maps guarded by a
// sync.Mutex, plus a sync.Map of per-key rate.Limiters.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	tsSets   map[string]*tsSetEntry
	buckets  map[string]*bucketEntry
	kv       map[string]*byteEntry
	queues   map[string]*queueHeap

	limiters sync.Map // key -> *rate.Limiter, for ReserveToken fast path
}

// NewMemoryStore creates an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*counterEntry),
		tsSets:   make(map[string]*tsSetEntry),
		buckets:  make(map[string]*bucketEntry),
		kv:       make(map[string]*byteEntry),
		queues:   make(map[string]*queueHeap),
	}
}

func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expireAt) {
		entry = &counterEntry{count: delta, expireAt: now.Add(window)}
		s.counters[key] = entry
		return entry.count, window, nil
	}
	entry.count += delta
	return entry.count, entry.expireAt.Sub(now), nil
}

func (s *MemoryStore) PeekCounter(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok {
		return 0, 0, false, nil
	}
	now := time.Now()
	if now.After(entry.expireAt) {
		return 0, 0, false, nil
	}
	return entry.count, entry.expireAt.Sub(now), true, nil
}

func (s *MemoryStore) AddTimestamp(ctx context.Context, key string, ts time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tsSets[key]
	if !ok {
		set = &tsSetEntry{}
		s.tsSets[key] = set
	}
	set.timestamps = append(set.timestamps, ts)
	cutoff := ts.Add(-window)
	kept := set.timestamps[:0]
	for _, t := range set.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	set.timestamps = kept
	return int64(len(set.timestamps)), nil
}

func (s *MemoryStore) PeekTimestampCount(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tsSets[key]
	if !ok {
		return 0, nil
	}
	cutoff := now.Add(-window)
	var count int64
	for _, t := range set.timestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RemoveTimestamp(ctx context.Context, key string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tsSets[key]
	if !ok {
		return nil
	}
	for i, t := range set.timestamps {
		if t.Equal(ts) {
			set.timestamps = append(set.timestamps[:i], set.timestamps[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) OldestTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tsSets[key]
	if !ok || len(set.timestamps) == 0 {
		return time.Time{}, false, nil
	}
	oldest := set.timestamps[0]
	for _, t := range set.timestamps[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest, true, nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, key string) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok {
		return Bucket{}, false, nil
	}
	return e.Bucket, true, nil
}

func (s *MemoryStore) SetBucket(ctx context.Context, key string, bucket Bucket, prevLastUpdate time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.buckets[key]
	current := time.Time{}
	if ok {
		current = existing.LastUpdate
	}
	if !current.Equal(prevLastUpdate) {
		return false, nil
	}
	s.buckets[key] = &bucketEntry{Bucket: bucket}
	return true, nil
}

// ReserveToken implements TokenBucketStore using a cached rate.Limiter per
// key, reconfigured in place when a rule's burst/refillRate changes.
func (s *MemoryStore) ReserveToken(ctx context.Context, key string, burst int, refillRate float64, cost int64, now time.Time) (bool, float64, time.Time, error) {
	limiterAny, _ := s.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(refillRate), burst))
	limiter := limiterAny.(*rate.Limiter)
	if limiter.Burst() != burst {
		limiter.SetBurstAt(now, burst)
	}
	if float64(limiter.Limit()) != refillRate {
		limiter.SetLimitAt(now, rate.Limit(refillRate))
	}

	reservation := limiter.ReserveN(now, int(cost))
	if !reservation.OK() {
		return false, limiter.TokensAt(now), now, nil
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, limiter.TokensAt(now), now.Add(delay), nil
	}
	return true, limiter.TokensAt(now), now, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(s.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	s.kv[key] = &byteEntry{value: value, expireAt: expireAt}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	delete(s.counters, key)
	delete(s.tsSets, key)
	delete(s.buckets, key)
	s.limiters.Delete(key)
	return nil
}

// queueHeap is a container/heap.Interface ordered by priority desc,
// deadline asc, enqueue time asc
type queueHeap []QueueEntry

func (q queueHeap) Len() int { return len(q) }
func (q queueHeap) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if !q[i].Deadline.Equal(q[j].Deadline) {
		return q[i].Deadline.Before(q[j].Deadline)
	}
	return q[i].EnqueueTime.Before(q[j].EnqueueTime)
}
func (q queueHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queueHeap) Push(x any)   { *q = append(*q, x.(QueueEntry)) }
func (q *queueHeap) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (s *MemoryStore) Enqueue(ctx context.Context, queueName string, entry QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		q = &queueHeap{}
		heap.Init(q)
		s.queues[queueName] = q
	}
	heap.Push(q, entry)
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, queueName string) (QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok || q.Len() == 0 {
		return QueueEntry{}, false, nil
	}
	entry := heap.Pop(q).(QueueEntry)
	return entry, true, nil
}

func (s *MemoryStore) QueueLen(ctx context.Context, queueName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return 0, nil
	}
	return int64(q.Len()), nil
}

func (s *MemoryStore) Close() error { return nil }

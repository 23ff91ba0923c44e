package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client)
}

func TestRedisStoreIncrementWithExpiry(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	count, ttl, err := s.IncrementWithExpiry(ctx, "k1", 1, time.Minute)
	if err != nil || count != 1 || ttl <= 0 {
		t.Fatalf("unexpected first increment: count=%d ttl=%v err=%v", count, ttl, err)
	}

	count, _, err = s.IncrementWithExpiry(ctx, "k1", 1, time.Minute)
	if err != nil || count != 2 {
		t.Fatalf("unexpected second increment: count=%d err=%v", count, err)
	}

	peeked, _, ok, err := s.PeekCounter(ctx, "k1")
	if err != nil || !ok || peeked != 2 {
		t.Fatalf("unexpected peek: peeked=%d ok=%v err=%v", peeked, ok, err)
	}
}

func TestRedisStoreAddTimestampSlidingWindow(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AddTimestamp(ctx, "k1", now.Add(-2*time.Second), time.Second); err != nil {
		t.Fatal(err)
	}

	// Inserting a newer entry trims anything older than its window.
	count, err := s.AddTimestamp(ctx, "k1", now, time.Second)
	if err != nil || count != 1 {
		t.Fatalf("expected the stale entry to be trimmed, got count=%d err=%v", count, err)
	}

	oldest, ok, err := s.OldestTimestamp(ctx, "k1")
	if err != nil || !ok || !oldest.Equal(now) {
		t.Fatalf("unexpected oldest timestamp: %v ok=%v err=%v", oldest, ok, err)
	}

	if err := s.RemoveTimestamp(ctx, "k1", now); err != nil {
		t.Fatal(err)
	}
	count, err = s.PeekTimestampCount(ctx, "k1", time.Second, now)
	if err != nil || count != 0 {
		t.Fatalf("expected 0 after removal, got %d err=%v", count, err)
	}
}

func TestRedisStoreSetBucketCAS(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.SetBucket(ctx, "b1", Bucket{Balance: 10, LastUpdate: time.Unix(1, 0)}, time.Time{}, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first write to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = s.SetBucket(ctx, "b1", Bucket{Balance: 5, LastUpdate: time.Unix(2, 0)}, time.Time{}, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected CAS mismatch to reject the write: ok=%v err=%v", ok, err)
	}

	bucket, ok, err := s.GetBucket(ctx, "b1")
	if err != nil || !ok || bucket.Balance != 10 {
		t.Fatalf("expected original bucket to survive rejected write: %+v ok=%v err=%v", bucket, ok, err)
	}

	ok, err = s.SetBucket(ctx, "b1", Bucket{Balance: 5, LastUpdate: time.Unix(2, 0)}, time.Unix(1, 0), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected write with correct prevLastUpdate to succeed: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreQueueOrdering(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Enqueue(ctx, "q1", QueueEntry{Priority: 1, EnqueueTime: now, Handle: "low"})
	_ = s.Enqueue(ctx, "q1", QueueEntry{Priority: 5, EnqueueTime: now.Add(time.Millisecond), Handle: "high"})
	_ = s.Enqueue(ctx, "q1", QueueEntry{Priority: 5, EnqueueTime: now, Handle: "high-earlier"})

	length, err := s.QueueLen(ctx, "q1")
	if err != nil || length != 3 {
		t.Fatalf("expected queue length 3, got %d err=%v", length, err)
	}

	first, ok, err := s.Dequeue(ctx, "q1")
	if err != nil || !ok || first.Handle != "high-earlier" {
		t.Fatalf("expected earliest high-priority entry first, got %+v ok=%v err=%v", first, ok, err)
	}
	second, ok, err := s.Dequeue(ctx, "q1")
	if err != nil || !ok || second.Handle != "high" {
		t.Fatalf("expected later high-priority entry second, got %+v ok=%v err=%v", second, ok, err)
	}
	third, ok, err := s.Dequeue(ctx, "q1")
	if err != nil || !ok || third.Handle != "low" {
		t.Fatalf("expected low-priority entry last, got %+v ok=%v err=%v", third, ok, err)
	}
}

func TestRedisStoreKVRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("unexpected get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

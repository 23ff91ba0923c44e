package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreIncrementWithExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	count, ttl, err := s.IncrementWithExpiry(ctx, "k1", 1, time.Minute)
	if err != nil || count != 1 || ttl != time.Minute {
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

func TestMemoryStoreIncrementResetsAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.IncrementWithExpiry(ctx, "k1", 1, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	count, _, err := s.IncrementWithExpiry(ctx, "k1", 1, time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("expected counter to reset after expiry, got count=%d err=%v", count, err)
	}
}

func TestMemoryStoreAddTimestampTrimsOldEntries(t *testing.T) {
	s := NewMemoryStore()
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

func TestMemoryStoreSetBucketCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetBucket(ctx, "b1", Bucket{Balance: 10, LastUpdate: time.Unix(1, 0)}, time.Time{}, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first write to succeed: ok=%v err=%v", ok, err)
	}

	// A write with the wrong prevLastUpdate must be rejected.
	ok, err = s.SetBucket(ctx, "b1", Bucket{Balance: 5, LastUpdate: time.Unix(2, 0)}, time.Time{}, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected CAS mismatch to reject the write: ok=%v err=%v", ok, err)
	}

	bucket, ok, err := s.GetBucket(ctx, "b1")
	if err != nil || !ok || bucket.Balance != 10 {
		t.Fatalf("expected the original bucket to survive the rejected write: %+v ok=%v err=%v", bucket, ok, err)
	}

	ok, err = s.SetBucket(ctx, "b1", Bucket{Balance: 5, LastUpdate: time.Unix(2, 0)}, time.Unix(1, 0), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected write with correct prevLastUpdate to succeed: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreReserveTokenFastPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	allowed, _, _, err := s.ReserveToken(ctx, "tb1", 2, 1, 1, now)
	if err != nil || !allowed {
		t.Fatalf("expected first reservation to be allowed: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _, err = s.ReserveToken(ctx, "tb1", 2, 1, 1, now)
	if err != nil || !allowed {
		t.Fatalf("expected second reservation within burst to be allowed: allowed=%v err=%v", allowed, err)
	}
	allowed, _, waitUntil, err := s.ReserveToken(ctx, "tb1", 2, 1, 1, now)
	if err != nil || allowed {
		t.Fatalf("expected third reservation to exhaust the burst: allowed=%v err=%v", allowed, err)
	}
	if !waitUntil.After(now) {
		t.Fatal("expected a future waitUntil once the burst is exhausted")
	}
}

func TestMemoryStoreQueueFIFOWithinPriority(t *testing.T) {
	s := NewMemoryStore()
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
		t.Fatalf("expected the earliest high-priority entry first, got %+v ok=%v err=%v", first, ok, err)
	}
	second, ok, err := s.Dequeue(ctx, "q1")
	if err != nil || !ok || second.Handle != "high" {
		t.Fatalf("expected the later high-priority entry second, got %+v ok=%v err=%v", second, ok, err)
	}
	third, ok, err := s.Dequeue(ctx, "q1")
	if err != nil || !ok || third.Handle != "low" {
		t.Fatalf("expected the low-priority entry last, got %+v ok=%v err=%v", third, ok, err)
	}
	if _, ok, _ := s.Dequeue(ctx, "q1"); ok {
		t.Fatal("expected an empty queue after draining all entries")
	}
}

func TestMemoryStoreDeleteClearsEveryShape(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, _ = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	_, _ = s.AddTimestamp(ctx, "k", time.Now(), time.Minute)
	_, _ = s.SetBucket(ctx, "k", Bucket{Balance: 1}, time.Time{}, time.Minute)
	_ = s.Set(ctx, "k", []byte("v"), time.Minute)

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	if _, _, ok, _ := s.PeekCounter(ctx, "k"); ok {
		t.Fatal("expected counter to be cleared")
	}
	if _, ok, _ := s.GetBucket(ctx, "k"); ok {
		t.Fatal("expected bucket to be cleared")
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected kv entry to be cleared")
	}
}

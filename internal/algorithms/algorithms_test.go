package algorithms

import (
	"context"
	"testing"
	"time"

	"github.com/rajasatyajit/ratewall/internal/store"
)

func TestFixedWindowExhaustsThenDenies(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(0, 0)

	wantRemaining := []int64{2, 1, 0, 0}
	wantAllowed := []bool{true, true, true, false}
	for i := 0; i < 4; i++ {
		res, err := Check(ctx, st, FixedWindow, "k1", 3, 10*time.Second, 1, Options{}, now)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Allowed != wantAllowed[i] {
			t.Errorf("call %d: allowed = %v, want %v", i, res.Allowed, wantAllowed[i])
		}
		if res.Remaining != wantRemaining[i] {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, wantRemaining[i])
		}
	}
}

func TestTokenBucketBurstAndRefill(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(0, 0)
	opts := Options{Burst: 5, RefillRate: 1}

	wantRemaining := []int64{4, 3, 2, 1, 0}
	for i := 0; i < 5; i++ {
		res, err := Check(ctx, st, TokenBucket, "tb1", 5, 5*time.Second, 1, opts, now)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
		if res.Remaining != wantRemaining[i] {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, wantRemaining[i])
		}
	}

	res, err := Check(ctx, st, TokenBucket, "tb1", 5, 5*time.Second, 1, opts, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("sixth call at t=0 should be denied")
	}

	later := now.Add(2 * time.Second)
	for i := 0; i < 2; i++ {
		res, err := Check(ctx, st, TokenBucket, "tb1", 5, 5*time.Second, 1, opts, later)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("refilled call %d should be admitted", i)
		}
	}

	full := now.Add(10 * time.Second)
	res, err = Check(ctx, st, TokenBucket, "tb1", 5, 5*time.Second, 5, opts, full)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("fully refilled bucket should admit a cost-5 call")
	}
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(100, 0)

	res, err := Check(ctx, st, SlidingWindow, "sw1", 2, time.Second, 1, Options{}, base)
	if err != nil || !res.Allowed {
		t.Fatalf("call 1: %+v, %v", res, err)
	}
	res, err = Check(ctx, st, SlidingWindow, "sw1", 2, time.Second, 1, Options{}, base.Add(400*time.Millisecond))
	if err != nil || !res.Allowed {
		t.Fatalf("call 2: %+v, %v", res, err)
	}
	res, err = Check(ctx, st, SlidingWindow, "sw1", 2, time.Second, 1, Options{}, base.Add(600*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("third call within window should be denied")
	}
	res, err = Check(ctx, st, SlidingWindow, "sw1", 2, time.Second, 1, Options{}, base.Add(1050*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("call after first entry expires should be admitted")
	}
}

func TestLeakyBucketNeverExceedsOutflow(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(0, 0)
	opts := Options{RefillRate: 2}

	for i := 0; i < 10; i++ {
		res, err := Check(ctx, st, LeakyBucket, "lb1", 10, 5*time.Second, 1, opts, now)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed && i < 10 {
			break
		}
	}
	res, err := Check(ctx, st, LeakyBucket, "lb1", 10, 5*time.Second, 1, opts, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("bucket at capacity should deny further admission at the same instant")
	}
}

func TestAdaptiveShrinksEffectiveLimitUnderErrors(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(0, 0)

	one := 1.0
	opts := Options{ErrorSignal: &one, AdaptiveSmoothing: 1.0}
	for i := 0; i < 5; i++ {
		if _, err := Check(ctx, st, Adaptive, "ad1", 100, time.Second, 1, opts, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Check(ctx, st, Adaptive, "ad1", 100, time.Second, 1, Options{}, now.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != 100 {
		t.Errorf("reported limit should remain the configured limit, got %d", res.Limit)
	}
	if res.Remaining > 25 {
		t.Errorf("effective limit should have shrunk to 25 under a full error rate, got remaining %d", res.Remaining)
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	res := failureResult(10, Options{FailOpen: true}, time.Unix(0, 0))
	if !res.Allowed || res.Remaining != 10 {
		t.Errorf("fail-open result = %+v", res)
	}
	res = failureResult(10, Options{FailOpen: false}, time.Unix(0, 0))
	if res.Allowed {
		t.Errorf("fail-closed result should deny")
	}
}

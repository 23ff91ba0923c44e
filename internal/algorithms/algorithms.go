// Package algorithms implements the five pluggable admission-decision
// functions a rule selects by Type and the limiter core invokes: fixed window, sliding window
// (log), token bucket, leaky bucket, and adaptive. Each is a pure function
// of a store.Store, a key, a limit, a window, and a cost; none hold state
// of their own beyond what they persist through the Store.
package algorithms

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/rajasatyajit/ratewall/internal/store"
)

// Type is the closed set of algorithm variants a Rule may select, avoiding
// runtime reflection or registry lookup.
type Type string

const (
	FixedWindow   Type = "fixed_window"
	SlidingWindow Type = "sliding_window"
	TokenBucket   Type = "token_bucket"
	LeakyBucket   Type = "leaky_bucket"
	Adaptive      Type = "adaptive"
)

// Result is the outcome of a single Check call.
type Result struct {
	Allowed     bool
	Limit       int64
	Remaining   int64
	Current     int64
	ResetUnixMs int64
	RetryAfter  time.Duration
}

// Options carries the algorithm-specific knobs a Rule supplies; fields
// unused by a given Type are ignored.
type Options struct {
	// Burst is the token-bucket capacity; defaults to Limit when zero.
	Burst int64
	// RefillRate is the token-bucket refill rate in tokens/sec; defaults
	// to Limit/Window.Seconds() when zero.
	RefillRate float64
	// FailOpen controls the synthetic result returned when the Store
	// errors: true admits at full remaining, false denies with a 1s
	// retry-after.
	FailOpen bool
	// ErrorSignal, when non-nil, is the latest instantaneous downstream
	// error observation (0 or 1, or any value in [0,1]) fed into the
	// adaptive algorithm's EWMA. Nil leaves the stored EWMA untouched.
	ErrorSignal *float64
	// AdaptiveAlpha scales the EWMA error rate's effect on the effective
	// limit; defaults to 1.0 when zero. Effective limit is
	// configuredLimit * clamp(0.25, 1.0, 1-alpha*errorRate).
	AdaptiveAlpha float64
	// AdaptiveSmoothing is the EWMA smoothing factor applied to each new
	// ErrorSignal observation; defaults to 0.2 when zero.
	AdaptiveSmoothing float64
}

// Check dispatches to the algorithm named by typ. now is threaded through
// explicitly so callers (and tests) can control time deterministically.
func Check(ctx context.Context, st store.Store, typ Type, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	switch typ {
	case FixedWindow:
		return fixedWindow(ctx, st, key, limit, window, cost, opts, now)
	case SlidingWindow:
		return slidingWindow(ctx, st, key, limit, window, cost, opts, now)
	case TokenBucket:
		return tokenBucket(ctx, st, key, limit, window, cost, opts, now)
	case LeakyBucket:
		return leakyBucket(ctx, st, key, limit, window, cost, opts, now)
	case Adaptive:
		return adaptive(ctx, st, key, limit, window, cost, opts, now)
	default:
		return fixedWindow(ctx, st, key, limit, window, cost, opts, now)
	}
}

// Peek dispatches to the read-only counterpart of typ: it predicts the
// Allowed/Remaining outcome a Check call would produce for cost right now,
// without persisting any mutation, for the Limiter.Peek contract.
func Peek(ctx context.Context, st store.Store, typ Type, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	switch typ {
	case FixedWindow:
		return peekFixedWindow(ctx, st, key, limit, window, cost, opts, now)
	case SlidingWindow:
		return peekSlidingWindow(ctx, st, key, limit, window, cost, opts, now)
	case TokenBucket:
		return peekTokenBucket(ctx, st, key, limit, window, cost, opts, now)
	case LeakyBucket:
		return peekLeakyBucket(ctx, st, key, limit, window, cost, opts, now)
	case Adaptive:
		alpha := opts.AdaptiveAlpha
		if alpha <= 0 {
			alpha = 1.0
		}
		errorRate := readEWMA(ctx, st, key+":ewma")
		effectiveLimit := int64(math.Floor(float64(limit) * clamp(1-alpha*errorRate, 0.25, 1.0)))
		if effectiveLimit < 1 {
			effectiveLimit = 1
		}
		res, err := peekFixedWindow(ctx, st, key, effectiveLimit, window, cost, opts, now)
		res.Limit = limit
		return res, err
	default:
		return peekFixedWindow(ctx, st, key, limit, window, cost, opts, now)
	}
}

func peekFixedWindow(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	count, ttl, ok, err := st.PeekCounter(ctx, key)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	if !ok {
		return Result{Allowed: cost <= limit, Limit: limit, Remaining: limit - cost, ResetUnixMs: now.Add(window).UnixMilli()}, nil
	}
	projected := count + cost
	allowed := projected <= limit
	remaining := limit - projected
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(ttl)
	res := Result{Allowed: allowed, Limit: limit, Remaining: remaining, Current: count, ResetUnixMs: reset.UnixMilli()}
	if !allowed {
		res.RetryAfter = ceilDuration(reset.Sub(now))
	}
	return res, nil
}

func peekSlidingWindow(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	count, err := st.PeekTimestampCount(ctx, key, window, now)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	oldest, ok, err := st.OldestTimestamp(ctx, key)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	reset := now.Add(window)
	if ok {
		reset = oldest.Add(window)
	}
	projected := count + cost
	allowed := projected <= limit
	remaining := limit - projected
	if remaining < 0 {
		remaining = 0
	}
	res := Result{Allowed: allowed, Limit: limit, Remaining: remaining, Current: count, ResetUnixMs: reset.UnixMilli()}
	if !allowed {
		res.RetryAfter = ceilDuration(reset.Sub(now))
	}
	return res, nil
}

func peekTokenBucket(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	burst := opts.Burst
	if burst <= 0 {
		burst = limit
	}
	refillRate := opts.RefillRate
	if refillRate <= 0 {
		refillRate = float64(limit) / window.Seconds()
	}

	bucket, ok, err := st.GetBucket(ctx, key)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	balance := float64(burst)
	if ok {
		elapsed := now.Sub(bucket.LastUpdate).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		balance = math.Min(float64(burst), bucket.Balance+refillRate*elapsed)
	}
	allowed := balance >= float64(cost)
	remaining := int64(math.Floor(balance))
	res := Result{Allowed: allowed, Limit: burst, Remaining: remaining, Current: int64(math.Ceil(float64(burst) - balance)), ResetUnixMs: now.UnixMilli()}
	if !allowed && refillRate > 0 {
		res.RetryAfter = ceilDuration(time.Duration((float64(cost) - balance) / refillRate * float64(time.Second)))
		res.ResetUnixMs = now.Add(res.RetryAfter).UnixMilli()
	}
	return res, nil
}

func peekLeakyBucket(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	leakRate := opts.RefillRate
	if leakRate <= 0 {
		leakRate = float64(limit) / window.Seconds()
	}

	bucket, ok, err := st.GetBucket(ctx, key)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	level := 0.0
	if ok {
		elapsed := now.Sub(bucket.LastUpdate).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		level = math.Max(0, bucket.Balance-leakRate*elapsed)
	}
	allowed := level+float64(cost) <= float64(limit)
	remaining := limit - int64(math.Ceil(level))
	if remaining < 0 {
		remaining = 0
	}
	res := Result{Allowed: allowed, Limit: limit, Remaining: remaining, Current: int64(math.Ceil(level)), ResetUnixMs: now.UnixMilli()}
	if !allowed && leakRate > 0 {
		res.RetryAfter = ceilDuration(time.Duration((level+float64(cost)-float64(limit))/leakRate*float64(time.Second)))
		res.ResetUnixMs = now.Add(res.RetryAfter).UnixMilli()
	}
	return res, nil
}

func failureResult(limit int64, opts Options, now time.Time) Result {
	if opts.FailOpen {
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetUnixMs: now.Add(window1s).UnixMilli()}
	}
	return Result{Allowed: false, Limit: limit, Remaining: 0, ResetUnixMs: now.Add(window1s).UnixMilli(), RetryAfter: window1s}
}

const window1s = time.Second

func fixedWindow(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	count, ttl, err := st.IncrementWithExpiry(ctx, key, cost, window)
	if err != nil {
		return failureResult(limit, opts, now), err
	}
	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(ttl)
	res := Result{Allowed: allowed, Limit: limit, Remaining: remaining, Current: count, ResetUnixMs: reset.UnixMilli()}
	if !allowed {
		res.RetryAfter = ceilDuration(reset.Sub(now))
	}
	return res, nil
}

func slidingWindow(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	var count int64
	var err error
	added := int64(0)
	for added < cost {
		// Each unit of cost is recorded as a distinct timestamp entry so
		// a partial rollback (below) can remove exactly what this call
		// added without disturbing earlier callers' entries.
		ts := now.Add(time.Duration(added))
		count, err = st.AddTimestamp(ctx, key, ts, window)
		if err != nil {
			rollback(ctx, st, key, now, added)
			return failureResult(limit, opts, now), err
		}
		added++
	}

	oldest, ok, err := st.OldestTimestamp(ctx, key)
	if err != nil {
		rollback(ctx, st, key, now, added)
		return failureResult(limit, opts, now), err
	}
	reset := now.Add(window)
	if ok {
		reset = oldest.Add(window)
	}

	if count > limit {
		rollback(ctx, st, key, now, added)
		remaining := int64(0)
		return Result{
			Allowed:     false,
			Limit:       limit,
			Remaining:   remaining,
			Current:     limit,
			ResetUnixMs: reset.UnixMilli(),
			RetryAfter:  ceilDuration(reset.Sub(now)),
		}, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, Current: count, ResetUnixMs: reset.UnixMilli()}, nil
}

func rollback(ctx context.Context, st store.Store, key string, now time.Time, added int64) {
	for i := int64(0); i < added; i++ {
		_ = st.RemoveTimestamp(ctx, key, now.Add(time.Duration(i)))
	}
}

func tokenBucket(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	burst := opts.Burst
	if burst <= 0 {
		burst = limit
	}
	refillRate := opts.RefillRate
	if refillRate <= 0 {
		refillRate = float64(limit) / window.Seconds()
	}

	// A Store that implements TokenBucketStore (MemoryStore) already holds
	// a correct single-process token bucket in a *rate.Limiter; reserving
	// against it directly skips the CAS-retry loop below, which exists for
	// stores (RedisStore) that must round-trip GetBucket/SetBucket across
	// replicas instead.
	if tbs, ok := st.(store.TokenBucketStore); ok {
		return tokenBucketFast(ctx, tbs, key, burst, refillRate, cost, opts, now)
	}

	for attempt := 0; attempt < 3; attempt++ {
		bucket, ok, err := st.GetBucket(ctx, key)
		if err != nil {
			return failureResult(limit, opts, now), err
		}
		prevUpdate := bucket.LastUpdate
		balance := float64(burst)
		if ok {
			elapsed := now.Sub(bucket.LastUpdate).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			balance = math.Min(float64(burst), bucket.Balance+refillRate*elapsed)
		}

		allowed := balance >= float64(cost)
		newBalance := balance
		var retryAfter time.Duration
		if allowed {
			newBalance = balance - float64(cost)
		} else if refillRate > 0 {
			retryAfter = ceilDuration(time.Duration((float64(cost) - balance) / refillRate * float64(time.Second)))
		}

		casOK, err := st.SetBucket(ctx, key, store.Bucket{Balance: newBalance, LastUpdate: now}, prevUpdate, window)
		if err != nil {
			return failureResult(limit, opts, now), err
		}
		if !casOK {
			continue
		}

		remaining := int64(math.Floor(newBalance))
		reset := now
		if allowed {
			if refillRate > 0 {
				reset = now.Add(ceilDuration(time.Duration((float64(burst) - newBalance) / refillRate * float64(time.Second))))
			}
		} else {
			reset = now.Add(retryAfter)
		}
		return Result{
			Allowed:     allowed,
			Limit:       burst,
			Remaining:   remaining,
			Current:     int64(math.Ceil(float64(burst) - newBalance)),
			ResetUnixMs: reset.UnixMilli(),
			RetryAfter:  retryAfter,
		}, nil
	}
	return failureResult(limit, opts, now), nil
}

// tokenBucketFast admits cost against st's cached rate.Limiter for key,
// translating its allowed/remaining/waitUntil result into the same Result
// shape the CAS-retry path produces so callers can't tell which store
// implementation served the check.
func tokenBucketFast(ctx context.Context, tbs store.TokenBucketStore, key string, burst int64, refillRate float64, cost int64, opts Options, now time.Time) (Result, error) {
	allowed, remaining, waitUntil, err := tbs.ReserveToken(ctx, key, int(burst), refillRate, cost, now)
	if err != nil {
		return failureResult(burst, opts, now), err
	}
	res := Result{
		Allowed:     allowed,
		Limit:       burst,
		Remaining:   int64(math.Floor(remaining)),
		Current:     int64(math.Ceil(float64(burst) - remaining)),
		ResetUnixMs: now.UnixMilli(),
	}
	if !allowed {
		res.RetryAfter = ceilDuration(waitUntil.Sub(now))
		res.ResetUnixMs = now.Add(res.RetryAfter).UnixMilli()
	}
	return res, nil
}

func leakyBucket(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	leakRate := opts.RefillRate
	if leakRate <= 0 {
		leakRate = float64(limit) / window.Seconds()
	}

	for attempt := 0; attempt < 3; attempt++ {
		bucket, ok, err := st.GetBucket(ctx, key)
		if err != nil {
			return failureResult(limit, opts, now), err
		}
		prevUpdate := bucket.LastUpdate
		level := 0.0
		if ok {
			elapsed := now.Sub(bucket.LastUpdate).Seconds()
			if elapsed < 0 {
				elapsed = 0
			}
			level = math.Max(0, bucket.Balance-leakRate*elapsed)
		}

		allowed := level+float64(cost) <= float64(limit)
		newLevel := level
		var retryAfter time.Duration
		if allowed {
			newLevel = level + float64(cost)
		} else if leakRate > 0 {
			retryAfter = ceilDuration(time.Duration((level+float64(cost)-float64(limit))/leakRate*float64(time.Second)))
		}

		casOK, err := st.SetBucket(ctx, key, store.Bucket{Balance: newLevel, LastUpdate: now}, prevUpdate, window)
		if err != nil {
			return failureResult(limit, opts, now), err
		}
		if !casOK {
			continue
		}

		remaining := limit - int64(math.Ceil(newLevel))
		if remaining < 0 {
			remaining = 0
		}
		reset := now
		if leakRate > 0 {
			reset = now.Add(ceilDuration(time.Duration(newLevel / leakRate * float64(time.Second))))
		}
		if !allowed {
			reset = now.Add(retryAfter)
		}
		return Result{
			Allowed:     allowed,
			Limit:       limit,
			Remaining:   remaining,
			Current:     int64(math.Ceil(newLevel)),
			ResetUnixMs: reset.UnixMilli(),
			RetryAfter:  retryAfter,
		}, nil
	}
	return failureResult(limit, opts, now), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// adaptive wraps fixedWindow, scaling the effective limit by an
// exponentially-smoothed downstream error rate persisted in the Store
// under key+":ewma".
func adaptive(ctx context.Context, st store.Store, key string, limit int64, window time.Duration, cost int64, opts Options, now time.Time) (Result, error) {
	alpha := opts.AdaptiveAlpha
	if alpha <= 0 {
		alpha = 1.0
	}
	smoothing := opts.AdaptiveSmoothing
	if smoothing <= 0 {
		smoothing = 0.2
	}

	ewmaKey := key + ":ewma"
	errorRate := readEWMA(ctx, st, ewmaKey)
	if opts.ErrorSignal != nil {
		errorRate = smoothing*(*opts.ErrorSignal) + (1-smoothing)*errorRate
		_ = writeEWMA(ctx, st, ewmaKey, errorRate, window)
	}

	effectiveLimit := int64(math.Floor(float64(limit) * clamp(1-alpha*errorRate, 0.25, 1.0)))
	if effectiveLimit < 1 {
		effectiveLimit = 1
	}
	res, err := fixedWindow(ctx, st, key, effectiveLimit, window, cost, opts, now)
	res.Limit = limit
	return res, err
}

func readEWMA(ctx context.Context, st store.Store, key string) float64 {
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok || len(raw) != 8 {
		return 0
	}
	bits := binary.BigEndian.Uint64(raw)
	return math.Float64frombits(bits)
}

func writeEWMA(ctx context.Context, st store.Store, key string, value float64, window time.Duration) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	return st.Set(ctx, key, buf, window*10)
}

func ceilDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

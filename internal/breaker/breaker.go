// Package breaker implements the per-name circuit breaker state machine:
// closed, open, and half-open, gating calls to a
// downstream identified by name. Breaker state is persisted to the Store
// so it survives replica restarts; the rolling failure count reuses the
// sliding-window primitive the Store already provides.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	rlerrors "github.com/rajasatyajit/ratewall/internal/errors"
	"github.com/rajasatyajit/ratewall/internal/logger"
	"github.com/rajasatyajit/ratewall/internal/metrics"
	"github.com/rajasatyajit/ratewall/internal/store"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config carries the per-name breaker defaults
// (failureThreshold=5, resetTimeout=30s, successThreshold=2).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	// FailureWindow bounds the rolling failure count; defaults to
	// ResetTimeout when zero.
	FailureWindow time.Duration
	// HalfOpenProbes bounds concurrent probe calls while half-open;
	// defaults to 1 when zero.
	HalfOpenProbes int64
}

// CircuitOpenError reports that a call was rejected because the breaker is
// open, carrying the retry-after duration reported in the 503
// response.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return rlerrors.ErrCircuitOpen }

type wireState struct {
	State     State     `json:"state"`
	NextRetry time.Time `json:"next_retry"`
}

// Breaker is one named circuit breaker.
type Breaker struct {
	name string
	cfg  Config
	st   store.Store

	mu         sync.Mutex
	state      State
	nextRetry  time.Time
	successes  int

	probeSem *semaphore.Weighted
}

func newBreaker(name string, cfg Config, st store.Store) *Breaker {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = cfg.ResetTimeout
	}
	probes := cfg.HalfOpenProbes
	if probes <= 0 {
		probes = 1
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		st:       st,
		state:    Closed,
		probeSem: semaphore.NewWeighted(probes),
	}
	b.load(context.Background())
	return b
}

func (b *Breaker) storeKey() string { return "cb:" + b.name }

func (b *Breaker) load(ctx context.Context) {
	raw, ok, err := b.st.Get(ctx, b.storeKey())
	if err != nil || !ok {
		return
	}
	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return
	}
	b.state = w.State
	b.nextRetry = w.NextRetry
}

func (b *Breaker) persist(ctx context.Context) {
	w := wireState{State: b.state, NextRetry: b.nextRetry}
	raw, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := b.st.Set(ctx, b.storeKey(), raw, 0); err != nil {
		metrics.RecordStoreError("breaker_persist")
	}
}

func (b *Breaker) failuresKey() string { return "cb:" + b.name + ":failures" }

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call to the guarded downstream may proceed. On
// success it returns a Done func the caller MUST invoke exactly once with
// the call's outcome. On rejection it returns a *CircuitOpenError.
func (b *Breaker) Allow(ctx context.Context) (bool, func(success bool), error) {
	now := time.Now()

	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return true, func(success bool) { b.record(ctx, success) }, nil
	case Open:
		if now.Before(b.nextRetry) {
			retryAfter := ceilSeconds(b.nextRetry.Sub(now))
			b.mu.Unlock()
			return false, nil, &CircuitOpenError{Name: b.name, RetryAfter: retryAfter}
		}
		from := b.state
		b.state = HalfOpen
		b.successes = 0
		b.persist(ctx)
		logger.Info("circuit breaker half-open probe window", "name", b.name)
		metrics.RecordBreakerTransition(b.name, string(from), string(HalfOpen))
	case HalfOpen:
		// fall through to bounded probe acquisition below
	}
	b.mu.Unlock()

	if !b.probeSem.TryAcquire(1) {
		return false, nil, &CircuitOpenError{Name: b.name, RetryAfter: time.Second}
	}
	return true, func(success bool) {
		b.probeSem.Release(1)
		b.record(ctx, success)
	}, nil
}

func (b *Breaker) record(ctx context.Context, success bool) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				from := b.state
				b.state = Closed
				b.successes = 0
				_ = b.st.Delete(ctx, b.failuresKey())
				b.persist(ctx)
				metrics.RecordBreakerTransition(b.name, string(from), string(Closed))
			}
		}
		return
	}

	count, err := b.st.AddTimestamp(ctx, b.failuresKey(), now, b.cfg.FailureWindow)
	if err != nil {
		metrics.RecordStoreError("breaker_failure_window")
	}

	switch b.state {
	case HalfOpen:
		from := b.state
		b.state = Open
		b.nextRetry = now.Add(b.cfg.ResetTimeout)
		b.successes = 0
		b.persist(ctx)
		metrics.RecordBreakerTransition(b.name, string(from), string(Open))
	case Closed:
		if int(count) >= b.cfg.FailureThreshold {
			from := b.state
			b.state = Open
			b.nextRetry = now.Add(b.cfg.ResetTimeout)
			b.persist(ctx)
			metrics.RecordBreakerTransition(b.name, string(from), string(Open))
		}
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

// Manager owns every named breaker, lazily constructed on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	st       store.Store
}

// NewManager builds a Manager applying cfg's defaults to every breaker it
// creates.
func NewManager(st store.Store, cfg Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg, st: st}
}

// Get returns the named breaker, creating it (and loading any persisted
// state) on first access.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, m.cfg, m.st)
	m.breakers[name] = b
	return b
}

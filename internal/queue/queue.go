// Package queue implements the bounded priority request queue: entries
// ordered by priority desc, then deadline asc and enqueue time asc on a
// MemoryStore, or enqueue time asc alone on a RedisStore (whose order does
// not use deadlines), released by a background drainer once a fresh rate-limit
// check admits them, and evicted with a timeout notification once their
// deadline passes.
//
// Ordering and capacity enforcement live in the shared store.Store so
// they are consistent across gateway replicas; the channel each Submit
// call waits on is necessarily process-local, so the drainer can only
// notify waiters registered in its own process. A dequeued entry whose
// handle is unknown locally (enqueued by, and awaited on, a different
// replica) is left for that replica's own drain loop to encounter.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	rlerrors "github.com/rajasatyajit/ratewall/internal/errors"
	"github.com/rajasatyajit/ratewall/internal/metrics"
	"github.com/rajasatyajit/ratewall/internal/store"
)

// AdmitFunc re-runs the admission check (typically the same rule's
// algorithm) for a deferred request. It is called from the drainer
// goroutine, not the submitting goroutine.
type AdmitFunc func(ctx context.Context) (bool, error)

type waitResult struct {
	admitted bool
	err      error
}

type waiter struct {
	resultCh chan waitResult
	admit    AdmitFunc
}

// Queue is one named bounded priority queue.
type Queue struct {
	name            string
	st              store.Store
	maxSize         int
	processInterval time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

// New builds a Queue backed by st, bounded at maxSize entries and drained
// every processInterval.
func New(name string, st store.Store, maxSize int, processInterval time.Duration) *Queue {
	return &Queue{
		name:            name,
		st:              st,
		maxSize:         maxSize,
		processInterval: processInterval,
		waiters:         make(map[string]*waiter),
	}
}

// Submit enqueues a deferred request and blocks until it is admitted,
// times out past deadline, the caller's context is canceled, or the queue
// is at capacity (in which case it returns immediately without
// enqueuing). admit is invoked by the drainer, never directly by Submit.
func (q *Queue) Submit(ctx context.Context, priority int, deadline time.Time, admit AdmitFunc) (bool, error) {
	length, err := q.st.QueueLen(ctx, q.name)
	if err != nil {
		return false, err
	}
	if int(length) >= q.maxSize {
		return false, rlerrors.ErrQueueFull
	}

	handle := uuid.NewString()
	w := &waiter{resultCh: make(chan waitResult, 1), admit: admit}
	q.mu.Lock()
	q.waiters[handle] = w
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.waiters, handle)
		q.mu.Unlock()
	}()

	entry := store.QueueEntry{Priority: priority, EnqueueTime: time.Now(), Deadline: deadline, Handle: handle}
	if err := q.st.Enqueue(ctx, q.name, entry); err != nil {
		return false, err
	}
	if depth, err := q.st.QueueLen(ctx, q.name); err == nil {
		metrics.RecordQueueDepth(q.name, float64(depth))
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res := <-w.resultCh:
		return res.admitted, res.err
	case <-timer.C:
		return false, rlerrors.ErrQueueTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run drives the background drainer until ctx is canceled, waking every
// processInterval.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.processInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.drainTick(ctx)
		}
	}
}

// drainTick walks the queue in priority order, evicting expired entries
// and releasing the first entry (if any) whose re-run admission check
// now admits it. Entries that are neither expired nor yet admitted are
// re-enqueued so later ticks can retry them.
func (q *Queue) drainTick(ctx context.Context) {
	length, err := q.st.QueueLen(ctx, q.name)
	if err != nil || length == 0 {
		return
	}

	now := time.Now()
	// Entries examined but not released are held aside and put back once
	// the walk ends, so each Dequeue reaches the next entry in order.
	var held []store.QueueEntry
	defer func() {
		for _, e := range held {
			_ = q.st.Enqueue(ctx, q.name, e)
		}
	}()
	for visited := int64(0); visited < length; visited++ {
		entry, ok, err := q.st.Dequeue(ctx, q.name)
		if err != nil || !ok {
			return
		}

		if now.After(entry.Deadline) {
			q.notify(entry.Handle, waitResult{admitted: false, err: rlerrors.ErrQueueTimeout})
			continue
		}

		q.mu.Lock()
		w := q.waiters[entry.Handle]
		q.mu.Unlock()
		if w == nil {
			// Foreign entry (different replica's waiter); put it back after
			// the walk so that replica's own drain loop can still reach it.
			held = append(held, entry)
			continue
		}

		admitted, admitErr := w.admit(ctx)
		if admitted {
			q.notify(entry.Handle, waitResult{admitted: true, err: admitErr})
			return
		}
		held = append(held, entry)
	}
}

func (q *Queue) notify(handle string, res waitResult) {
	q.mu.Lock()
	w := q.waiters[handle]
	q.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resultCh <- res:
	default:
	}
}

// Len reports the current depth of the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.st.QueueLen(ctx, q.name)
}

// Group runs every configured Queue's background drainer under a single
// errgroup.Group, so the gateway's main goroutine can join them as a unit
// on shutdown instead of firing off unsupervised "go func" drainers.
type Group struct {
	eg     *errgroup.Group
	cancel context.CancelFunc
}

// StartGroup launches Run for every queue in queues under a context
// derived from parent, and returns a Group that can later be stopped with
// Shutdown. A queue's own context.Canceled return (the expected outcome of
// Shutdown) is swallowed; any other drainer error is surfaced by Shutdown.
func StartGroup(parent context.Context, queues []*Queue) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		eg.Go(func() error {
			if err := q.Run(egCtx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}
	return &Group{eg: eg, cancel: cancel}
}

// Shutdown cancels every drainer in the group and blocks until they have
// all exited, or ctx is done first, whichever happens first.
func (g *Group) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

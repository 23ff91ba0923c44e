package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rlerrors "github.com/rajasatyajit/ratewall/internal/errors"
	"github.com/rajasatyajit/ratewall/internal/store"
)

func TestSubmitAdmittedByDrainer(t *testing.T) {
	st := store.NewMemoryStore()
	q := New("test-queue", st, 10, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	admitted, err := q.Submit(context.Background(), 1, time.Now().Add(time.Second), func(context.Context) (bool, error) {
		return true, nil
	})
	if err != nil || !admitted {
		t.Fatalf("expected admission, got admitted=%v err=%v", admitted, err)
	}
}

func TestSubmitEvictedPastDeadline(t *testing.T) {
	st := store.NewMemoryStore()
	q := New("test-queue", st, 10, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	admitted, err := q.Submit(context.Background(), 1, time.Now().Add(15*time.Millisecond), func(context.Context) (bool, error) {
		return false, nil
	})
	if admitted {
		t.Fatal("expected eviction past deadline, not admission")
	}
	if !errors.Is(err, rlerrors.ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	st := store.NewMemoryStore()
	q := New("tiny-queue", st, 1, time.Hour) // drainer effectively never runs

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Submit(context.Background(), 1, time.Now().Add(time.Hour), func(context.Context) (bool, error) { return true, nil })
	}()
	time.Sleep(5 * time.Millisecond) // let the first Submit register before checking capacity

	_, err := q.Submit(context.Background(), 1, time.Now().Add(time.Hour), func(context.Context) (bool, error) { return true, nil })
	if !errors.Is(err, rlerrors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestHigherPriorityDrainedFirst(t *testing.T) {
	st := store.NewMemoryStore()
	q := New("priority-queue", st, 10, 2*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var wg sync.WaitGroup
	results := make(chan int, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		admitted, _ := q.Submit(context.Background(), 1, time.Now().Add(time.Second), func(context.Context) (bool, error) { return true, nil })
		if admitted {
			results <- 1
		}
	}()
	time.Sleep(time.Millisecond)
	go func() {
		defer wg.Done()
		admitted, _ := q.Submit(context.Background(), 10, time.Now().Add(time.Second), func(context.Context) (bool, error) { return true, nil })
		if admitted {
			results <- 10
		}
	}()
	wg.Wait()
	close(results)

	first := <-results
	if first != 10 {
		t.Fatalf("expected higher priority entry drained first, got %d", first)
	}
}

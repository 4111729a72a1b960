package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rterrors "github.com/wippyai/bundle-runtime/errors"
)

func TestQueue_RunSyncReturnsTaskError(t *testing.T) {
	q := New("t")
	defer q.Close()

	want := errors.New("task failed")
	err := q.RunSync(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("RunSync = %v, want %v", err, want)
	}
}

func TestQueue_FIFOAndSerial(t *testing.T) {
	q := New("fifo")
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running int
		overlap bool
	)
	ctx := context.Background()

	// submissions from one goroutine must run in submission order
	for i := 0; i < 50; i++ {
		i := i
		if err := q.RunSync(ctx, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}

	// submissions from many goroutines must never overlap
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = q.RunSync(ctx, func(ctx context.Context) error {
					mu.Lock()
					running++
					if running > 1 {
						overlap = true
					}
					mu.Unlock()
					time.Sleep(50 * time.Microsecond)
					mu.Lock()
					running--
					mu.Unlock()
					return nil
				})
			}
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("tasks overlapped on a serial queue")
	}
}

func TestQueue_ReentrantRunsInline(t *testing.T) {
	q := New("reentrant")
	defer q.Close()

	var inner bool
	err := q.RunSync(context.Background(), func(ctx context.Context) error {
		if !q.On(ctx) {
			t.Error("task context not marked with its queue")
		}
		return q.RunSync(ctx, func(ctx context.Context) error {
			inner = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !inner {
		t.Error("nested task did not run")
	}
}

func TestQueue_OtherQueueNotInline(t *testing.T) {
	a := New("a")
	b := New("b")
	defer a.Close()
	defer b.Close()

	err := a.RunSync(context.Background(), func(ctx context.Context) error {
		if b.On(ctx) {
			t.Error("context of queue a reported as queue b")
		}
		return b.RunSync(ctx, func(ctx context.Context) error {
			if !b.On(ctx) {
				t.Error("task on b not marked with b")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := New("panics")
	defer q.Close()

	err := q.RunSync(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	if rterrors.KindOf(err) != rterrors.KindInvalidState {
		t.Fatalf("err = %v, want invalid_state", err)
	}

	// the queue keeps working
	if err := q.RunSync(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("RunSync after panic: %v", err)
	}
}

func TestQueue_Closed(t *testing.T) {
	q := New("closed")
	q.Close()
	q.Close()

	err := q.RunSync(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, rterrors.ErrClosed) {
		t.Errorf("RunSync on closed queue = %v, want closed", err)
	}
}

func TestQueue_CallerStopsWaiting(t *testing.T) {
	q := New("slow")
	defer q.Close()

	release := make(chan struct{})
	finished := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.RunSync(ctx, func(ctx context.Context) error {
		<-release
		close(finished)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// the accepted task still runs to completion
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
}

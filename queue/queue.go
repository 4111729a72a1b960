// Package queue provides the serial dispatch queue each execution
// environment runs on.
//
// A Queue owns one goroutine that executes submitted tasks one at a time in
// arrival order. RunSync blocks the caller until its task has run. Tasks
// receive a context marked with the queue they run on, and RunSync called
// with such a context executes inline, so script code that re-enters the
// runtime from inside a task never deadlocks on its own queue.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/errors"
)

// Task is a unit of work executed on a queue.
type Task func(ctx context.Context) error

type workItem struct {
	ctx    context.Context
	fn     Task
	result chan error
}

type queueKey struct{}

// Queue executes tasks serially on a dedicated goroutine.
type Queue struct {
	name      string
	work      chan workItem
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// New starts a queue. name appears in logs and errors.
func New(name string) *Queue {
	q := &Queue{
		name:   name,
		work:   make(chan workItem),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// On reports whether ctx belongs to a task running on q.
func (q *Queue) On(ctx context.Context) bool {
	cur, _ := ctx.Value(queueKey{}).(*Queue)
	return cur == q
}

// RunSync runs fn on the queue and waits for it to finish. If ctx already
// belongs to a task on q, fn runs inline on the calling goroutine.
//
// If ctx is canceled while waiting, RunSync returns ctx.Err(); a task that
// was already accepted still runs to completion.
func (q *Queue) RunSync(ctx context.Context, fn Task) error {
	if q.On(ctx) {
		return q.invoke(ctx, fn)
	}

	item := workItem{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case q.work <- item:
	case <-q.done:
		return errors.Closed(errors.PhaseQueue, fmt.Sprintf("queue %q", q.name))
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for the running task, if any, to
// finish. It is safe to call more than once. Close must not be called from
// a task running on q.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	<-q.exited
}

func (q *Queue) loop() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case item := <-q.work:
			ctx := context.WithValue(item.ctx, queueKey{}, q)
			item.result <- q.invoke(ctx, item.fn)
		}
	}
}

func (q *Queue) invoke(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("task panicked",
				zap.String("queue", q.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.New(errors.PhaseQueue, errors.KindInvalidState).
				Path(q.name).
				Value(r).
				Detail("task panicked: %v", r).
				Build()
		}
	}()
	return fn(ctx)
}

// Package schedule runs cancelable periodic and one-shot background tasks.
//
// Every task gets its own goroutine and a context that is canceled when the
// task is stopped or the scheduler closes. Close waits for running task
// bodies to return.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when scheduling on a closed Scheduler.
var ErrClosed = errors.New("scheduler closed")

// Task is a handle to a scheduled function.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the task. It does not wait for a running body to return, so it
// is safe to call from inside the task itself.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.cancel()
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

type Scheduler struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every runs fn each interval until the task is stopped. The first run happens
// one interval after scheduling.
func (s *Scheduler) Every(interval time.Duration, fn func(context.Context)) (*Task, error) {
	if interval <= 0 {
		return nil, errors.New("schedule: interval must be > 0")
	}
	return s.spawn(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// After runs fn once after delay unless the task is stopped first.
func (s *Scheduler) After(delay time.Duration, fn func(context.Context)) (*Task, error) {
	if delay < 0 {
		delay = 0
	}
	return s.spawn(func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	})
}

func (s *Scheduler) spawn(body func(context.Context)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	task := &Task{cancel: cancel, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(task.done)
		defer cancel()
		body(ctx)
	}()
	return task, nil
}

// Close stops every task and waits for them to exit. It is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

package drivermgr

import (
	"context"
	"sync"
)

// Dispatcher serializes all node and runner mutation onto a single loop.
// Node, Runner and the composite managers are not safe for use from any
// other goroutine.
type Dispatcher interface {
	// Post queues task to run on the loop.
	Post(task func())
	// Go runs a blocking call off the loop. The call must not touch loop state.
	Go(call func())
}

// callAsync runs call off the loop and delivers its result back on the loop.
func callAsync[T any](d Dispatcher, call func() (T, error), done func(T, error)) {
	d.Go(func() {
		v, err := call()
		d.Post(func() { done(v, err) })
	})
}

// Loop is a Dispatcher backed by one goroutine and an unbounded queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Go(call func()) { go call() }

// Run executes posted tasks until ctx is done. Tasks posted after Run
// returns are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sync runs fn on the loop and waits for it to finish.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

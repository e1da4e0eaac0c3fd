package drivermgr

import "context"

// ManualLoop is a deterministic Dispatcher for tests. Blocking calls run
// inline and posted tasks only run from RunUntilIdle.
type ManualLoop struct {
	queue []func()
}

func NewManualLoop() *ManualLoop { return &ManualLoop{} }

func (l *ManualLoop) Post(task func()) { l.queue = append(l.queue, task) }

func (l *ManualLoop) Go(call func()) { call() }

// RunUntilIdle runs queued tasks, including ones they post, until the queue
// is empty. It returns the number of tasks run.
func (l *ManualLoop) RunUntilIdle() int {
	n := 0
	for len(l.queue) > 0 {
		task := l.queue[0]
		l.queue = l.queue[1:]
		task()
		n++
	}
	return n
}

// Pending returns the number of queued tasks.
func (l *ManualLoop) Pending() int { return len(l.queue) }

// Sync runs fn and then everything it queued.
func (l *ManualLoop) Sync(_ context.Context, fn func()) error {
	fn()
	l.RunUntilIdle()
	return nil
}

// Package tasks provides the two scheduling primitives used by the session
// core: a one-shot Task that can be armed, re-armed and canceled, and a
// Periodic sweep bound to a context.
package tasks

import (
	"context"
	"sync"
	"time"
)

// Task runs fn once after a delay. Arm replaces any pending run; Cancel
// prevents a pending run. A run already in progress is not interrupted, but
// the context handed to it is canceled.
type Task struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	gen    uint64
}

// NewTask returns an unarmed Task.
func NewTask() *Task {
	return &Task{}
}

// After is a convenience for NewTask followed by Arm.
func After(d time.Duration, fn func(ctx context.Context)) *Task {
	t := NewTask()
	t.Arm(d, fn)
	return t
}

// Arm schedules fn to run after d, replacing any earlier schedule. A
// non-positive d runs fn on a new goroutine immediately.
func (t *Task) Arm(d time.Duration, fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	run := func() {
		t.mu.Lock()
		current := t.gen == gen
		t.mu.Unlock()
		if !current {
			return
		}
		fn(ctx)

		t.mu.Lock()
		if t.gen == gen {
			t.stopLocked()
		}
		t.mu.Unlock()
	}

	if d <= 0 {
		go run()
		return
	}
	t.timer = time.AfterFunc(d, run)
}

// Cancel disarms the task. It is safe to call repeatedly and on a nil Task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
}

// Armed reports whether a run is pending or in progress.
func (t *Task) Armed() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Task) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

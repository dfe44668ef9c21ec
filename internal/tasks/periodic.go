package tasks

import (
	"context"
	"sync"
	"time"
)

// Periodic calls fn every interval until Stop is called or the parent
// context passed to Start is canceled.
type Periodic struct {
	interval time.Duration
	fn       func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodic(interval time.Duration, fn func(ctx context.Context)) *Periodic {
	return &Periodic{interval: interval, fn: fn}
}

// Start launches the loop. Calling Start on a running Periodic is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for an in-flight fn to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Package worker is the bounded local worker pool the Build Runner and the
// agent-side executor both submit build jobs to (spec.md §4.6's "local"
// dispatch mode, §4.3's coroutine/task framing). Grounded on the
// errgroup.SetLimit pattern in the retrieval pack's
// internal/prd.ScatterOrchestrator.Scatter, generalized from a fixed,
// bounded batch of work known up front to a long-lived pool that accepts
// work items one at a time for the life of the process.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chengis/chengis/internal/ports"
)

// Pool runs submitted functions on a bounded number of goroutines. Unlike
// errgroup.Group, a Pool never cancels sibling work when one submission
// returns an error: each build's failure is its own, contained outcome
// (spec.md §7's propagation policy), so Submit logs and swallows instead of
// letting one failing build tear down the others.
type Pool struct {
	sem    chan struct{}
	logger ports.Logger

	wg sync.WaitGroup
}

// NewPool constructs a Pool with the given concurrency limit (coerced to at
// least 1).
func NewPool(concurrency int, logger ports.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{sem: make(chan struct{}, concurrency), logger: logger}
}

// Submit blocks until a slot is free or ctx is cancelled, then runs fn on a
// new goroutine. A cancelled ctx before a slot frees returns its error
// without running fn.
func (p *Pool) Submit(ctx context.Context, label string, fn func(context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		if err := fn(ctx); err != nil && p.logger != nil {
			p.logger.Warn(ctx, "worker pool task failed", "task", label, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every submitted task has returned. Intended for
// shutdown: stop accepting new Submit calls, then Wait to drain in-flight
// work before the process exits.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Active reports how many submitted tasks are currently running, for an
// agent's heartbeat to report its own load (spec.md §4.5).
func (p *Pool) Active() int {
	return len(p.sem)
}

// Loop runs iterate once immediately and then again on every tick of
// interval, until Stop is called, per spec.md §5's shared shape for the
// Queue Processor, the Orphan Monitor, and the agent's heartbeat sender: a
// single-threaded periodic worker, cancellable and idempotently stoppable.
// Extracted here so they share one copy of the
// mutex-guarded-cancel/done bookkeeping. The leader election loop keeps its
// own loop and does not use this type.
type Loop struct {
	interval time.Duration
	iterate  func(context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop constructs a Loop. interval <= 0 defaults to one second.
func NewLoop(interval time.Duration, iterate func(context.Context)) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{interval: interval, iterate: iterate}
}

// Start begins the loop against ctx. Safe to call again after Stop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.run(loopCtx, done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.iterate(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop interrupts the loop and waits for its current iteration to finish.
// Idempotent; safe to call on a Loop that was never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunBatch runs every fn in fns concurrently, bounded by concurrency, waits
// for all of them, and returns the first error. Through errgroup.WithContext
// the context handed to the fns is cancelled as soon as one of them fails,
// so sibling cancellation on failure is part of its semantics (unlike
// Pool.Submit's independent-task model above).
func RunBatch(ctx context.Context, concurrency int, fns []func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

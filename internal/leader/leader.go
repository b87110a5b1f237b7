// Package leader is Leader Election (spec.md §4.12): a thin wrapper around
// a pluggable advisory lock (ports.LeaderStore), plus a background loop
// that probes acquisition and calls back on gain/loss of leadership — one
// ticking goroutine, single-threaded internally.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/ports"
)

// Elector exposes try_acquire/release plus a managed leader loop.
type Elector struct {
	store  ports.LeaderStore
	logger ports.Logger
}

// NewElector constructs an Elector over store.
func NewElector(store ports.LeaderStore, logger ports.Logger) *Elector {
	return &Elector{store: store, logger: logger}
}

// TryAcquire attempts to take the named lock, returning whether it
// succeeded.
func (e *Elector) TryAcquire(ctx context.Context, lockID string) (bool, error) {
	ok, err := e.store.TryAcquire(ctx, lockID)
	if err != nil {
		return false, cherrors.Wrap(cherrors.CodeInternal, "try acquire leader lock", err)
	}
	return ok, nil
}

// Release drops the named lock.
func (e *Elector) Release(ctx context.Context, lockID string) error {
	if err := e.store.Release(ctx, lockID); err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "release leader lock", err)
	}
	return nil
}

// Loop owns a background goroutine that repeatedly probes acquisition of a
// single lock, invoking onAcquire the moment it first becomes leader and
// onLose when it stops or the lock drops.
type Loop struct {
	elector *Elector
	lockID  string
	pollInt time.Duration
	onAcq   func(ctx context.Context)
	onLose  func(ctx context.Context)

	mu      sync.Mutex
	leading bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartLeaderLoop starts a Loop on the given lock. onAcquire and onLose run
// synchronously on the loop's own goroutine; a panic in onAcquire is
// recovered and treated as a failed acquisition, so leading() remains false
// (spec.md §4.12 invariant).
func StartLeaderLoop(elector *Elector, lockID string, onAcquire, onLose func(ctx context.Context), pollInterval time.Duration) *Loop {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		elector: elector,
		lockID:  lockID,
		pollInt: pollInterval,
		onAcq:   onAcquire,
		onLose:  onLose,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.pollInt)
	defer ticker.Stop()

	for {
		l.probe(ctx)
		select {
		case <-ctx.Done():
			l.transitionTo(ctx, false)
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) probe(ctx context.Context) {
	ok, err := l.elector.TryAcquire(ctx, l.lockID)
	if err != nil {
		if l.elector.logger != nil {
			l.elector.logger.Warn(ctx, "leader lock probe failed", "lock_id", l.lockID, "error", err)
		}
		l.transitionTo(ctx, false)
		return
	}
	l.transitionTo(ctx, ok)
}

func (l *Loop) transitionTo(ctx context.Context, leading bool) {
	l.mu.Lock()
	was := l.leading
	l.mu.Unlock()

	if leading && !was {
		acquired := l.safeCall(ctx, l.onAcq)
		l.mu.Lock()
		l.leading = acquired
		l.mu.Unlock()
		return
	}
	if !leading && was {
		l.mu.Lock()
		l.leading = false
		l.mu.Unlock()
		l.safeCall(ctx, l.onLose)
	}
}

// safeCall recovers a panic in fn, returning whether fn completed without
// one (used to decide whether onAcquire actually took effect).
func (l *Loop) safeCall(ctx context.Context, fn func(ctx context.Context)) (ok bool) {
	if fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if l.elector.logger != nil {
				l.elector.logger.Error(ctx, "leader loop callback panicked", "lock_id", l.lockID, "panic", r)
			}
		}
	}()
	fn(ctx)
	return true
}

// Leading reports whether this process currently holds the lock.
func (l *Loop) Leading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leading
}

// Stop ends the loop idempotently and waits for it to exit, releasing the
// lock and invoking onLose if this process was leading.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	<-l.done
	_ = l.elector.Release(context.Background(), l.lockID)
}

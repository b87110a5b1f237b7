package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoolBoundsConcurrency covers the pool's capacity contract: no more
// than `concurrency` submissions ever run at once.
func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, nil)
	var running, maxSeen int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), "t", func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		})
		require.NoError(t, err)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

// TestPoolSubmitOneFailureDoesNotAffectOthers covers the "own, contained
// outcome" guarantee: a failing task is logged and swallowed, other tasks
// still run to completion.
func TestPoolSubmitOneFailureDoesNotAffectOthers(t *testing.T) {
	pool := NewPool(4, nil)
	var ran int32
	var wg sync.WaitGroup

	wg.Add(1)
	require.NoError(t, pool.Submit(context.Background(), "failing", func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	}))
	wg.Add(1)
	require.NoError(t, pool.Submit(context.Background(), "ok", func(ctx context.Context) error {
		defer wg.Done()
		atomic.AddInt32(&ran, 1)
		return nil
	}))

	wg.Wait()
	pool.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

// TestPoolSubmitRespectsContextCancellationWhenSaturated covers backpressure:
// a full pool rejects a new submission once its context is cancelled rather
// than blocking forever.
func TestPoolSubmitRespectsContextCancellationWhenSaturated(t *testing.T) {
	pool := NewPool(1, nil)
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "hold", func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "blocked", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	close(block)
	pool.Wait()
}

// TestLoopRunsIterateImmediatelyAndOnInterval covers the Loop's contract:
// iterate fires once at Start and then again on every subsequent tick.
func TestLoopRunsIterateImmediatelyAndOnInterval(t *testing.T) {
	var count int32
	loop := NewLoop(5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&count, 1)
	})
	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) >= 3
	}, time.Second, 5*time.Millisecond)
}

// TestLoopStopIsIdempotentAndWaitsForInFlightIteration covers the
// clean-stop requirement shared by the Queue Processor, Orphan Monitor, and
// agent heartbeat sender: Stop waits for the current iteration and can be
// called twice.
func TestLoopStopIsIdempotentAndWaitsForInFlightIteration(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	loop := NewLoop(time.Hour, func(ctx context.Context) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
	})
	loop.Start(context.Background())

	<-started
	loop.Stop()
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight iteration finished")
	}
	loop.Stop() // must not panic or block
}

// TestLoopStopOnNeverStartedLoopIsSafe covers calling Stop before Start.
func TestLoopStopOnNeverStartedLoopIsSafe(t *testing.T) {
	loop := NewLoop(time.Second, func(ctx context.Context) {})
	loop.Stop()
}

// TestRunBatchWaitsForAllAndPropagatesFirstError covers RunBatch's
// contract: every function runs, and an error from one is returned (unlike
// Pool, sibling cancellation here IS intended).
func TestRunBatchWaitsForAllAndPropagatesFirstError(t *testing.T) {
	var ran int32
	fns := []func(context.Context) error{
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return errors.New("step failed") },
		func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil },
	}

	err := RunBatch(context.Background(), 3, fns)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
}

// TestRunBatchRespectsConcurrencyLimit covers SetLimit wiring: no more than
// `concurrency` functions run at once.
func TestRunBatchRespectsConcurrencyLimit(t *testing.T) {
	var running, maxSeen int32
	release := make(chan struct{})
	fns := make([]func(context.Context) error, 6)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, RunBatch(context.Background(), 2, fns))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

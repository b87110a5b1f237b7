package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/store/devstore"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := devstore.Open("")
	require.NoError(t, err)
	return NewQueue(store, Config{DequeueBackoffBase: time.Millisecond}, nil)
}

// TestConcurrentDequeueReturnsDistinctItems covers testable property 4: N
// concurrent DequeueNext calls against N pending items return exactly N
// distinct items, each claimed by exactly one caller.
func TestConcurrentDequeueReturnsDistinctItems(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, "build-"+string(rune('a'+i)), "job-1", "org-1", nil, nil, 3)
		require.NoError(t, err)
	}

	var (
		mu  sync.Mutex
		seen = make(map[string]int)
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, ok, err := q.DequeueNext(ctx)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			seen[item.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every pending item must be dequeued exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s dequeued more than once", id)
	}
}

// TestMarkFailedRetriesWithinBudget covers the retry branch of MarkFailed:
// a failure within the retry budget returns to pending with an incremented
// retry count rather than dead-lettering.
func TestMarkFailedRetriesWithinBudget(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "build-1", "job-1", "org-1", nil, nil, 2)
	require.NoError(t, err)

	dequeued, ok, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item.ID, dequeued.ID)

	branch, err := q.MarkFailed(ctx, item.ID, "no matching agent")
	require.NoError(t, err)
	assert.Equal(t, FailRetried, branch)

	got, err := q.store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

// TestMarkFailedDeadLettersBeyondRetryBudget covers the dead-letter branch:
// exhausting max_retries moves the item to dead_letter instead of pending.
func TestMarkFailedDeadLettersBeyondRetryBudget(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "build-1", "job-1", "org-1", nil, nil, 0)
	require.NoError(t, err)

	_, ok, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	branch, err := q.MarkFailed(ctx, item.ID, "no matching agent")
	require.NoError(t, err)
	assert.Equal(t, FailDeadLetter, branch)

	got, err := q.store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueueDeadLetter, got.Status)
}

// TestRequeueForAgentRespectsRetryBudget covers spec.md §4.4's
// requeue_for_agent: items within budget return to pending with an
// incremented retry count; items beyond it become dead_letter.
func TestRequeueForAgentRespectsRetryBudget(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	within, err := q.Enqueue(ctx, "build-within", "job-1", "org-1", nil, nil, 3)
	require.NoError(t, err)
	exhausted, err := q.Enqueue(ctx, "build-exhausted", "job-1", "org-1", nil, nil, 0)
	require.NoError(t, err)

	for _, id := range []string{within.ID, exhausted.ID} {
		item, ok, derr := q.DequeueNext(ctx)
		require.NoError(t, derr)
		require.True(t, ok)
		require.NoError(t, q.MarkDispatched(ctx, item.ID, "agent-x"))
	}

	requeued, deadLettered, err := q.RequeueForAgent(ctx, "agent-x")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, deadLettered)

	got, err := q.store.Get(ctx, within.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, got.Status)

	got2, err := q.store.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueueDeadLetter, got2.Status)
}

package queueprocessor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/breaker"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/queue"
	"github.com/chengis/chengis/internal/store/devstore"
)

type fakeAgentTx struct {
	fail bool
}

func (f *fakeAgentTx) Dispatch(_ context.Context, _ build.Agent, _ string, _ []byte) error {
	if f.fail {
		return errors.New("agent unreachable")
	}
	return nil
}

func newTestProcessor(t *testing.T, agentTx *fakeAgentTx) (*Processor, *queue.Queue, *agentregistry.Registry, *devstore.Store) {
	t.Helper()
	store, err := devstore.Open("")
	require.NoError(t, err)
	q := queue.NewQueue(store, queue.Config{}, nil)
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	breakers := breaker.NewRegistry(breaker.Config{}, nil)
	p := NewProcessor(q, agents, breakers, agentTx, nil, nil, time.Hour)
	return p, q, agents, store
}

// TestIterateDispatchesPendingItemToAvailableAgent covers the happy drain
// path of spec.md §4.7: a pending item is dequeued, dispatched, and
// transitions to dispatched.
func TestIterateDispatchesPendingItemToAvailableAgent(t *testing.T) {
	ctx := context.Background()
	p, q, agents, store := newTestProcessor(t, &fakeAgentTx{})
	_, err := agents.Register(ctx, build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)

	item, err := q.Enqueue(ctx, "b1", "j1", "o1", nil, nil, 3)
	require.NoError(t, err)

	p.iterate(ctx)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueueDispatched, got.Status)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "a1", *got.AssignedAgentID)
}

// TestIterateMarksFailedWhenNoAgentAvailable covers the no-agent branch:
// the item goes back to pending (within retry budget) rather than hanging
// dispatching forever.
func TestIterateMarksFailedWhenNoAgentAvailable(t *testing.T) {
	ctx := context.Background()
	p, q, _, store := newTestProcessor(t, &fakeAgentTx{})

	item, err := q.Enqueue(ctx, "b1", "j1", "o1", nil, nil, 3)
	require.NoError(t, err)

	p.iterate(ctx)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

// TestIterateMarksFailedOnDispatchError covers the dispatch-failure branch:
// a reachable-but-erroring agent still returns the item to the queue
// instead of leaving it stuck dispatching.
func TestIterateMarksFailedOnDispatchError(t *testing.T) {
	ctx := context.Background()
	p, q, agents, store := newTestProcessor(t, &fakeAgentTx{fail: true})
	_, err := agents.Register(ctx, build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)

	item, err := q.Enqueue(ctx, "b1", "j1", "o1", nil, nil, 3)
	require.NoError(t, err)

	p.iterate(ctx)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

// TestIterateIsNoopWhenQueueEmpty covers the idle tick: nothing to dequeue
// means no agent lookup or dispatch attempt happens.
func TestIterateIsNoopWhenQueueEmpty(t *testing.T) {
	ctx := context.Background()
	p, _, _, _ := newTestProcessor(t, &fakeAgentTx{})
	p.iterate(ctx) // must not panic
}

// TestIterateSkipsAgentWithOpenBreaker covers the circuit-breaker filter
// applied before dispatch: an agent whose breaker just opened is treated
// the same as no agent at all.
func TestIterateSkipsAgentWithOpenBreaker(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)
	q := queue.NewQueue(store, queue.Config{}, nil)
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	_ = breakers.Record("a1", func() error { return errors.New("prior failure") })
	p := NewProcessor(q, agents, breakers, &fakeAgentTx{}, nil, nil, time.Hour)

	_, err = agents.Register(ctx, build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, "b1", "j1", "o1", nil, nil, 3)
	require.NoError(t, err)

	p.iterate(ctx)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, got.Status)
}

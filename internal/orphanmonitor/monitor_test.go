package orphanmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/queue"
	"github.com/chengis/chengis/internal/store/devstore"
)

// TestSweepRecoversWorkFromOfflineAgent covers spec.md §4.9's testable
// property 6: a silent agent's dispatched work is requeued and its build
// transitioned to orphaned within one sweep.
func TestSweepRecoversWorkFromOfflineAgent(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)

	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{HeartbeatTimeout: time.Millisecond}, nil)
	_, err = agents.Register(ctx, build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)

	q := queue.NewQueue(store, queue.Config{}, nil)
	item, err := q.Enqueue(ctx, "b1", "j1", "o1", nil, nil, 3)
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkDispatched(ctx, item.ID, "a1"))

	agentID := "a1"
	require.NoError(t, store.CreateBuild(ctx, build.Build{
		ID: "b1", JobID: "j1", OrgID: "o1", Status: build.StatusRunning, AssignedAgentID: &agentID,
	}))

	time.Sleep(5 * time.Millisecond)
	mon := NewMonitor(agents, q, store, store, nil, nil, time.Hour, time.Hour)
	mon.Sweep(ctx)

	got, err := store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, build.StatusOrphaned, got.Status)

	reloaded, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, build.QueuePending, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Nil(t, reloaded.AssignedAgentID)
}

// TestSweepRecoversStuckDispatchingItem covers Open Question (a)'s
// resolution: an item stuck in dispatching past the timeout is recovered
// the same way an offline agent's work is.
func TestSweepRecoversStuckDispatchingItem(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)

	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	q := queue.NewQueue(store, queue.Config{}, nil)
	_, err = q.Enqueue(ctx, "b2", "j2", "o2", nil, nil, 3)
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx) // pending -> dispatching
	require.NoError(t, err)

	mon := NewMonitor(agents, q, store, store, nil, nil, time.Hour, time.Nanosecond)
	time.Sleep(2 * time.Millisecond)
	mon.Sweep(ctx)

	items, err := store.ListByStatusAndAgent(ctx, build.QueuePending, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

// TestSweepIsNoopWhenAllAgentsHealthy covers the common idle case: a
// healthy fleet with no stuck items leaves the queue untouched.
func TestSweepIsNoopWhenAllAgentsHealthy(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)

	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{HeartbeatTimeout: time.Hour}, nil)
	_, err = agents.Register(ctx, build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)

	q := queue.NewQueue(store, queue.Config{}, nil)
	mon := NewMonitor(agents, q, store, store, nil, nil, time.Hour, time.Hour)
	mon.Sweep(ctx)

	assert.Empty(t, agents.OfflineAgentIDs())
}

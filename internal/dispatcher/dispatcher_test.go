package dispatcher

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

type fakeAgentDispatcher struct {
	fail bool
}

func (f *fakeAgentDispatcher) Dispatch(_ context.Context, _ build.Agent, _ string, _ []byte) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	store, err := devstore.Open("")
	require.NoError(t, err)
	return queue.NewQueue(store, queue.Config{}, nil)
}

// TestDispatchLocalWhenDistributedDisabled covers the decision table's
// first row.
func TestDispatchLocalWhenDistributedDisabled(t *testing.T) {
	d := NewDispatcher(Config{DistributedEnabled: false, DistributedDispatch: true}, nil, nil, nil, nil, nil)
	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	assert.Equal(t, ModeLocal, decision.Mode)
}

// TestDispatchLocalWhenFeatureFlagOff covers the decision table's first
// row's other clause.
func TestDispatchLocalWhenFeatureFlagOff(t *testing.T) {
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: false}, nil, nil, nil, nil, nil)
	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	assert.Equal(t, ModeLocal, decision.Mode)
}

// TestDispatchQueuesWhenQueueEnabled covers scenario E3's dispatch leg:
// queue-enabled always wins over a direct remote attempt.
func TestDispatchQueuesWhenQueueEnabled(t *testing.T) {
	q := newTestQueue(t)
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, QueueEnabled: true, MaxRetries: 3}, nil, nil, q, nil, nil)

	decision := d.Dispatch(context.Background(), Input{BuildID: "b1", JobID: "j1", OrgID: "o1", RequiredLabels: []string{"gpu"}})
	assert.Equal(t, ModeQueued, decision.Mode)
	assert.NotEmpty(t, decision.QueueID)
}

// TestDispatchFailsFastWithNoAgentAndFallbackDisabled covers testable
// property 10: the fallback-local default is false, and with no agents,
// no queue, and the feature flag on, dispatch fails.
func TestDispatchFailsFastWithNoAgentAndFallbackDisabled(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	breakers := breaker.NewRegistry(breaker.Config{}, nil)
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, FallbackLocal: false}, agents, breakers, nil, &fakeAgentDispatcher{}, nil)

	decision := d.Dispatch(context.Background(), Input{BuildID: "b1", RequiredLabels: []string{"gpu"}})
	assert.Equal(t, ModeFailed, decision.Mode)
}

// TestDispatchFallsBackToLocalWhenConfigured covers the decision table's
// last row's other branch: fallback-local true lets a cluster with no
// agent keep running locally instead of failing.
func TestDispatchFallsBackToLocalWhenConfigured(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	breakers := breaker.NewRegistry(breaker.Config{}, nil)
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, FallbackLocal: true}, agents, breakers, nil, &fakeAgentDispatcher{}, nil)

	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	assert.Equal(t, ModeLocal, decision.Mode)
}

// TestDispatchRemoteOnSuccessfulAgentDispatch covers the happy remote path:
// an available agent is reserved and dispatched to directly.
func TestDispatchRemoteOnSuccessfulAgentDispatch(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	_, err := agents.Register(context.Background(), build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2, Labels: []string{"linux"}})
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.Config{}, nil)
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true}, agents, breakers, nil, &fakeAgentDispatcher{}, nil)

	decision := d.Dispatch(context.Background(), Input{BuildID: "b1", RequiredLabels: []string{"linux"}})
	require.Equal(t, ModeRemote, decision.Mode)
	assert.Equal(t, "a1", decision.AgentID)

	got, ok := agents.FindAvailableAgent(nil, nil, "")
	require.True(t, ok)
	assert.Equal(t, 1, got.CurrentBuilds, "a successful remote dispatch must reserve the agent slot")
}

// TestDispatchUnwindsReservationOnHTTPFailure covers the failure leg of
// tryDirectDispatch: a failed HTTP call releases the reservation and
// records a breaker failure instead of leaking the increment.
func TestDispatchUnwindsReservationOnHTTPFailure(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	_, err := agents.Register(context.Background(), build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, ResetTimeout: time.Hour}, nil)
	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, FallbackLocal: false}, agents, breakers, nil, &fakeAgentDispatcher{fail: true}, nil)

	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	assert.Equal(t, ModeFailed, decision.Mode)

	got, ok := agents.FindAvailableAgent(nil, nil, "")
	require.True(t, ok)
	assert.Equal(t, 0, got.CurrentBuilds, "a failed dispatch must release its reservation")
}

// TestDispatchSkipsAgentWithOpenBreaker covers the circuit-breaker filter
// in spec.md §4.6 step 3: an agent whose breaker is open is never selected.
func TestDispatchSkipsAgentWithOpenBreaker(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	_, err := agents.Register(context.Background(), build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	_ = breakers.Record("a1", func() error { return errors.New("prior failure") })

	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, FallbackLocal: false}, agents, breakers, nil, &fakeAgentDispatcher{}, nil)
	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	assert.Equal(t, ModeFailed, decision.Mode, "an agent with an open breaker must not be dispatched to")
}

// TestDispatchFallsThroughToNextAgentWithOpenBreaker covers the same
// spec.md §4.6 step 3 filter, but with a second, healthy candidate in the
// pool: the open-breaker agent must be excluded from the candidate set
// before scoring, not just rejected after being picked as the single best
// match, so the dispatch still succeeds against the other agent.
func TestDispatchFallsThroughToNextAgentWithOpenBreaker(t *testing.T) {
	agents := agentregistry.NewRegistry(nil, agentregistry.HealthConfig{}, nil)
	_, err := agents.Register(context.Background(), build.Agent{ID: "a1", Name: "a1", MaxBuilds: 2})
	require.NoError(t, err)
	_, err = agents.Register(context.Background(), build.Agent{ID: "a2", Name: "a2", MaxBuilds: 2})
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	_ = breakers.Record("a1", func() error { return errors.New("prior failure") })

	d := NewDispatcher(Config{DistributedEnabled: true, DistributedDispatch: true, FallbackLocal: false}, agents, breakers, nil, &fakeAgentDispatcher{}, nil)
	decision := d.Dispatch(context.Background(), Input{BuildID: "b1"})
	require.Equal(t, ModeRemote, decision.Mode, "a healthy second agent must still be reachable")
	assert.Equal(t, "a2", decision.AgentID)
}

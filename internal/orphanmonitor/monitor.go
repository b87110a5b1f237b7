// Package orphanmonitor is the Orphan Monitor (spec.md §4.9): a periodic,
// leader-only sweep that ages out silent agents, requeues their in-flight
// work, and marks affected builds orphaned. Grounded on the same
// single-threaded periodic-worker shape as internal/queueprocessor.
package orphanmonitor

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/queue"
	"github.com/chengis/chengis/internal/worker"
)

// BuildLookup resolves the build ids currently assigned to an agent, so
// their status can be flipped to orphaned alongside the queue item that
// tracked them.
type BuildLookup interface {
	BuildsAssignedToAgent(ctx context.Context, agentID string) ([]build.Build, error)
}

// Monitor implements the Orphan Monitor.
type Monitor struct {
	agents *agentregistry.Registry
	queue  *queue.Queue
	builds ports.BuildStore
	lookup BuildLookup
	bus    *eventbus.Bus
	logger ports.Logger

	// dispatchTimeout resolves spec.md §9 open question (a): how long an
	// item may sit in dispatching before the sweep treats it as stuck and
	// recovers it the same way it recovers an offline agent's work.
	dispatchTimeout time.Duration

	loop *worker.Loop
}

// NewMonitor constructs a Monitor. dispatchTimeout <= 0 falls back to 30s
// (the CHENGIS_DISPATCH_TIMEOUT default); the stuck-dispatching sweep runs
// on every pass.
func NewMonitor(agents *agentregistry.Registry, q *queue.Queue, builds ports.BuildStore, lookup BuildLookup, bus *eventbus.Bus, logger ports.Logger, interval, dispatchTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	m := &Monitor{agents: agents, queue: q, builds: builds, lookup: lookup, bus: bus, logger: logger, dispatchTimeout: dispatchTimeout}
	m.loop = worker.NewLoop(interval, m.Sweep)
	return m
}

// Start begins the periodic sweep.
func (m *Monitor) Start(ctx context.Context) {
	m.loop.Start(ctx)
}

// Sweep runs one full orphan-recovery pass, per spec.md §4.9 steps 1-4.
func (m *Monitor) Sweep(ctx context.Context) {
	m.agents.CheckAgentHealth(ctx)

	for _, agentID := range m.agents.OfflineAgentIDs() {
		requeued, deadLettered, err := m.queue.RequeueForAgent(ctx, agentID)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "orphan monitor requeue failed", "agent_id", agentID, "error", err)
			}
			continue
		}
		if m.logger != nil && (requeued > 0 || deadLettered > 0) {
			m.logger.Info(ctx, "orphan monitor requeued agent work", "agent_id", agentID, "requeued", requeued, "dead_lettered", deadLettered)
		}

		if m.lookup == nil {
			continue
		}
		affected, err := m.lookup.BuildsAssignedToAgent(ctx, agentID)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "orphan monitor build lookup failed", "agent_id", agentID, "error", err)
			}
			continue
		}
		for _, b := range affected {
			m.orphanBuild(ctx, b)
		}
	}

	if requeued, deadLettered, err := m.queue.RequeueStuckDispatching(ctx, m.dispatchTimeout); err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "orphan monitor stuck-dispatching sweep failed", "error", err)
		}
	} else if m.logger != nil && (requeued > 0 || deadLettered > 0) {
		m.logger.Info(ctx, "orphan monitor recovered stuck dispatching items", "requeued", requeued, "dead_lettered", deadLettered)
	}
}

func (m *Monitor) orphanBuild(ctx context.Context, b build.Build) {
	b = b.Transition(build.StatusOrphaned, time.Now())
	if err := m.builds.UpdateBuild(ctx, b); err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "orphan monitor failed to persist orphaned build", "build_id", b.ID, "error", err)
		}
		return
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, build.BuildEvent{BuildID: b.ID, Type: build.EventBuildOrphaned}); err != nil && m.logger != nil {
			m.logger.Warn(ctx, "orphan monitor failed to publish event", "build_id", b.ID, "error", cherrors.Wrap(cherrors.CodeInternal, "publish build-orphaned", err))
		}
	}
}

// Stop ends the sweep loop, waiting for the current iteration to finish.
func (m *Monitor) Stop() {
	m.loop.Stop()
}

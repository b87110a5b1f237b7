// Package dispatcher decides where a new build runs (spec.md §4.6),
// applying the decision table in order: distributed-disabled or the
// feature flag off routes local; queue-enabled routes to the Durable Build
// Queue; otherwise it tries a direct remote dispatch through the Agent
// Registry and Circuit Breaker, falling back to local or failing per
// config. The decision table runs its pre-flight checks before committing
// to one execution path, never retrying a prior branch.
package dispatcher

import (
	"context"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/breaker"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/queue"
)

// Mode is the dispatch outcome's kind.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeQueued Mode = "queued"
	ModeFailed Mode = "failed"
)

// Decision is the dispatcher's output.
type Decision struct {
	Mode    Mode
	AgentID string
	QueueID string
	Reason  string
}

// Config carries the system-config inputs spec.md §4.6 names.
type Config struct {
	DistributedEnabled      bool
	DistributedDispatch     bool // feature flag
	QueueEnabled            bool
	FallbackLocal           bool
	MaxRetries              int
}

// Dispatcher implements the decision table.
type Dispatcher struct {
	cfg      Config
	agents   *agentregistry.Registry
	breakers *breaker.Registry
	queue    *queue.Queue
	agentTx  ports.AgentDispatcher
	logger   ports.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config, agents *agentregistry.Registry, breakers *breaker.Registry, q *queue.Queue, agentTx ports.AgentDispatcher, logger ports.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, agents: agents, breakers: breakers, queue: q, agentTx: agentTx, logger: logger}
}

// Input carries one build's dispatch request.
type Input struct {
	BuildID        string
	JobID          string
	OrgID          string
	Payload        []byte
	RequiredLabels []string
	PreferredRegion string
	ResourceHints  *agentregistry.ResourceHints
	MaxRetries     int
}

// Dispatch applies the decision table from spec.md §4.6, mutating agent and
// queue state as a side effect of the branch it takes.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Decision {
	if !d.cfg.DistributedEnabled || !d.cfg.DistributedDispatch {
		return Decision{Mode: ModeLocal, Reason: "distributed dispatch disabled"}
	}

	if d.cfg.QueueEnabled {
		maxRetries := in.MaxRetries
		if maxRetries == 0 {
			maxRetries = d.cfg.MaxRetries
		}
		item, err := d.queue.Enqueue(ctx, in.BuildID, in.JobID, in.OrgID, in.Payload, in.RequiredLabels, maxRetries)
		if err != nil {
			return Decision{Mode: ModeFailed, Reason: err.Error()}
		}
		return Decision{Mode: ModeQueued, QueueID: item.ID}
	}

	agent, ok := d.selectAgent(in.RequiredLabels, in.ResourceHints, in.PreferredRegion)
	if ok {
		if err := d.tryDirectDispatch(ctx, agent, in.BuildID, in.Payload); err == nil {
			return Decision{Mode: ModeRemote, AgentID: agent.ID}
		}
		// tryDirectDispatch already recorded the breaker failure and
		// decremented the reservation; fall through to the no-agent branch.
	}

	if d.cfg.FallbackLocal {
		return Decision{Mode: ModeLocal, Reason: "no agent available, falling back to local"}
	}
	return Decision{Mode: ModeFailed, Reason: "no agent available and fallback-local is disabled"}
}

// selectAgent finds a matching agent whose circuit breaker currently allows
// a request, per spec.md §4.6 step 3's circuit-breaker filter: agents with
// an open breaker are excluded from the candidate set before scoring, so a
// second-best agent is still picked when the lowest-scored one is tripped.
func (d *Dispatcher) selectAgent(labels []string, hints *agentregistry.ResourceHints, region string) (build.Agent, bool) {
	var allow func(agentID string) bool
	if d.breakers != nil {
		allow = d.breakers.Allow
	}
	return d.agents.FindAvailableAgentAllowed(labels, hints, region, allow)
}

// tryDirectDispatch atomically reserves the agent, attempts HTTP dispatch,
// and unwinds the reservation plus records a breaker failure on failure.
func (d *Dispatcher) tryDirectDispatch(ctx context.Context, agent build.Agent, buildID string, payload []byte) error {
	if err := d.agents.IncrementBuilds(ctx, agent.ID); err != nil {
		return err
	}

	dispatchErr := d.breakers.Record(agent.ID, func() error {
		if d.agentTx == nil {
			return cherrors.New(cherrors.CodeDispatchError, "no agent dispatcher configured")
		}
		return d.agentTx.Dispatch(ctx, agent, buildID, payload)
	})
	if dispatchErr != nil {
		_ = d.agents.DecrementBuilds(ctx, agent.ID)
		if d.logger != nil {
			d.logger.Warn(ctx, "direct agent dispatch failed", "agent_id", agent.ID, "error", dispatchErr)
		}
		return cherrors.Wrap(cherrors.CodeDispatchError, "dispatch to agent", dispatchErr)
	}
	return nil
}

// Package queueprocessor is the Queue Processor (spec.md §4.7): a
// singleton loop, active only on the elected leader, that drains the
// Durable Build Queue onto agents. A context-checked, single-threaded
// periodic-worker loop with the same cooperative-cancellation discipline
// internal/engine.Execute applies at every stage/step boundary, here
// generalized to a poll loop's iteration boundary.
package queueprocessor

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/breaker"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/queue"
	"github.com/chengis/chengis/internal/worker"
)

// Processor drains the Durable Build Queue onto available agents.
type Processor struct {
	queue    *queue.Queue
	agents   *agentregistry.Registry
	breakers *breaker.Registry
	agentTx  ports.AgentDispatcher
	metrics  ports.MetricsCollector
	logger   ports.Logger

	loop *worker.Loop
}

// NewProcessor constructs a Processor.
func NewProcessor(q *queue.Queue, agents *agentregistry.Registry, breakers *breaker.Registry, agentTx ports.AgentDispatcher, metrics ports.MetricsCollector, logger ports.Logger, interval time.Duration) *Processor {
	p := &Processor{queue: q, agents: agents, breakers: breakers, agentTx: agentTx, metrics: metrics, logger: logger}
	p.loop = worker.NewLoop(interval, p.iterate)
	return p
}

// Start begins the poll loop. Safe to call once per Processor; callers that
// lose and regain leadership should construct a fresh Processor (or call
// Start again after Stop, which resets internal state).
func (p *Processor) Start(ctx context.Context) {
	p.loop.Start(ctx)
}

// iterate runs exactly one poll cycle: publish queue metrics, dequeue one
// item, dispatch it, and record the outcome.
func (p *Processor) iterate(ctx context.Context) {
	if p.metrics != nil {
		if depth, err := p.queue.GetQueueDepth(ctx); err == nil {
			p.metrics.SetGauge(ctx, "chengis_queue_depth", float64(depth), nil)
		}
		if ageMS, err := p.queue.GetOldestPendingAgeMS(ctx); err == nil {
			p.metrics.SetGauge(ctx, "chengis_queue_oldest_pending_age_ms", float64(ageMS), nil)
		}
	}

	item, found, err := p.queue.DequeueNext(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn(ctx, "queue processor dequeue failed", "error", err)
		}
		return
	}
	if !found {
		return
	}

	var allow func(agentID string) bool
	if p.breakers != nil {
		allow = p.breakers.Allow
	}
	agent, ok := p.agents.FindAvailableAgentAllowed(item.RequiredLabels, nil, "", allow)
	if !ok {
		if _, markErr := p.queue.MarkFailed(ctx, item.ID, "no matching agent"); markErr != nil && p.logger != nil {
			p.logger.Warn(ctx, "queue processor mark failed errored", "item_id", item.ID, "error", markErr)
		}
		return
	}

	dispatchErr := p.breakers.Record(agent.ID, func() error {
		return p.agentTx.Dispatch(ctx, agent, item.BuildID, item.Payload)
	})
	if dispatchErr != nil {
		if _, markErr := p.queue.MarkFailed(ctx, item.ID, dispatchErr.Error()); markErr != nil && p.logger != nil {
			p.logger.Warn(ctx, "queue processor mark failed errored", "item_id", item.ID, "error", markErr)
		}
		return
	}
	if err := p.queue.MarkDispatched(ctx, item.ID, agent.ID); err != nil && p.logger != nil {
		p.logger.Warn(ctx, "queue processor mark dispatched errored", "item_id", item.ID, "error", err)
	}
}

// Stop interrupts the sleep and waits for the current iteration to finish,
// per spec.md §4.7's clean-stop requirement.
func (p *Processor) Stop() {
	p.loop.Stop()
}

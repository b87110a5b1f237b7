// Package breaker wraps sony/gobreaker in a per-agent keyed registry
// (spec.md §4.5): the dispatcher consults one breaker per agent before
// routing a build to it, and failed remote dispatches trip it.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// Config carries the gobreaker.Settings fields spec.md §4.5 exposes as
// system configuration (threshold and reset timeout); the rest of
// gobreaker.Settings keeps its zero-value defaults.
type Config struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Registry is a keyed set of per-agent circuit breakers.
type Registry struct {
	cfg    Config
	logger ports.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry constructs a Registry using cfg for every breaker it creates.
func NewRegistry(cfg Config, logger ports.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Registry{cfg: cfg, logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Registry) breakerFor(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if r.logger != nil {
				r.logger.Info(context.Background(), "agent circuit breaker state change", "agent_id", name, "from", from.String(), "to", to.String())
			}
		},
	})
	r.breakers[agentID] = cb
	return cb
}

// Allow reports whether a dispatch attempt to agentID may proceed, without
// performing one. The dispatcher uses this to filter candidate agents
// before scoring them (spec.md §4.6); it does not, by itself, record an
// outcome.
func (r *Registry) Allow(agentID string) bool {
	cb := r.breakerFor(agentID)
	return cb.State() != gobreaker.StateOpen
}

// Record runs fn through agentID's breaker, counting its error (or a
// cherrors.CodeCancelled error, which is excluded) as a failure.
func (r *Registry) Record(agentID string, fn func() error) error {
	cb := r.breakerFor(agentID)
	_, err := cb.Execute(func() (interface{}, error) {
		err := fn()
		if cherrors.IsCancelled(err) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

// State returns the observable snapshot for agentID, constructing it fresh
// since gobreaker.CircuitBreaker does not track an "opened at" timestamp
// itself; the registry has no need to persist one beyond a master restart,
// when every breaker starts closed again.
func (r *Registry) State(agentID string) build.CircuitBreakerState {
	cb := r.breakerFor(agentID)
	counts := cb.Counts()
	state := build.BreakerClosed
	switch cb.State() {
	case gobreaker.StateOpen:
		state = build.BreakerOpen
	case gobreaker.StateHalfOpen:
		state = build.BreakerHalfOpen
	}
	return build.CircuitBreakerState{
		AgentID:            agentID,
		State:              state,
		ConsecutiveFailure: int(counts.ConsecutiveFailures),
	}
}

// CountOpen returns how many tracked breakers are currently open.
func (r *Registry) CountOpen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cb := range r.breakers {
		if cb.State() == gobreaker.StateOpen {
			n++
		}
	}
	return n
}

// ResetAgent forces agentID's breaker back to closed, discarding any
// unsuccessful streak. Used by admin tooling to recover an agent manually
// confirmed healthy before its reset timeout elapses.
func (r *Registry) ResetAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}

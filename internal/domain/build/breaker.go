package build

import "time"

// BreakerState is the observable three-state machine for one agent's
// circuit breaker. internal/breaker owns the transition logic (wrapping
// sony/gobreaker); this type is the admin-visible snapshot.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerState is the per-agent snapshot exposed through admin APIs.
// It is built from in-memory breaker state and is not persisted; after a
// master restart every breaker starts closed again.
type CircuitBreakerState struct {
	AgentID            string
	State              BreakerState
	ConsecutiveFailure int
	OpenedAt           *time.Time
}

package build

import "time"

// QueueStatus is a QueueItem's lifecycle state.
type QueueStatus string

const (
	QueuePending     QueueStatus = "pending"
	QueueDispatching QueueStatus = "dispatching"
	QueueDispatched  QueueStatus = "dispatched"
	QueueCompleted   QueueStatus = "completed"
	QueueDeadLetter  QueueStatus = "dead_letter"
)

// QueueItem is a build awaiting remote execution.
type QueueItem struct {
	ID              string
	BuildID         string
	JobID           string
	OrgID           string
	Payload         []byte // serialized pipeline + parameters + secrets handle
	RequiredLabels  []string
	Status          QueueStatus
	AssignedAgentID *string
	RetryCount      int
	MaxRetries      int
	LastError       string
	CreatedAt       time.Time
	NextRetryAt     *time.Time
	// DispatchingSince records when the item entered the dispatching state,
	// so internal/orphanmonitor can recover an item whose dispatcher crashed
	// or whose agent accepted but never actually started the build. This
	// resolves Open Question (a) from spec.md §9.
	DispatchingSince *time.Time
	// DispatchToken lets an agent and the master agree on a single logical
	// dispatch attempt for at-least-once delivery (spec.md §9): the agent
	// includes the token on every build event/completion so the master can
	// de-duplicate a redundant re-dispatch of a build already finished.
	DispatchToken string
}

package build

import (
	"fmt"
	"sync"
	"time"
)

// EventType enumerates the Build Event kinds from spec.md §3.
type EventType string

const (
	EventBuildStarted    EventType = "build-started"
	EventStageStarted    EventType = "stage-started"
	EventStageCompleted  EventType = "stage-completed"
	EventStepStarted     EventType = "step-started"
	EventStepLog         EventType = "step-log"
	EventStepCompleted   EventType = "step-completed"
	EventBuildCompleted  EventType = "build-completed"
	EventCancelled       EventType = "cancelled"
	EventDropped         EventType = "event-dropped"
	EventBuildOrphaned   EventType = "build-orphaned"
	EventGatePending     EventType = "gate-pending"
	EventGateResolved    EventType = "gate-resolved"
)

// Cursor mints monotonically increasing, time-ordered event ids scoped to a
// single build. Event ids must strictly increase in real time of emission
// (spec.md §3 ordering invariant); a pure wall clock is not safe against
// clock stalls or two events landing in the same nanosecond, so whenever the
// clock has not moved past the previous id the cursor returns the previous
// id plus one instead.
type Cursor struct {
	mu   sync.Mutex
	last int64
	seq  uint32
}

// Next returns the next id for this build, guaranteed to be strictly
// greater than every id previously minted by this cursor.
func (c *Cursor) Next(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := now.UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	c.seq++
	return ts
}

// BuildEvent is an append-only record describing a state transition or log
// fragment for one build.
type BuildEvent struct {
	ID          int64
	BuildID     string
	Type        EventType
	StageName   string
	StepID      string
	Payload     map[string]interface{}
	EmittedAt   time.Time
}

// String renders the event for debugging/log output.
func (e BuildEvent) String() string {
	return fmt.Sprintf("event[%d] build=%s type=%s stage=%s step=%s", e.ID, e.BuildID, e.Type, e.StageName, e.StepID)
}

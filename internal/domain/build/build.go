package build

import (
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/cherrors"
)

// Status is a Build's lifecycle state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusAborted     Status = "aborted"
	StatusOrphaned    Status = "orphaned"
)

// IsTerminal reports whether status ends a build's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusOrphaned:
		return true
	default:
		return false
	}
}

// TriggerType identifies what caused a build to be created.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerSCM    TriggerType = "scm"
	TriggerRetry  TriggerType = "retry"
	TriggerAPI    TriggerType = "api"
)

// Build is one execution attempt of a Job's pipeline.
type Build struct {
	ID                string
	JobID             string
	OrgID             string
	Number            int // monotonically increasing within the job
	Status            Status
	Trigger           TriggerType
	ParameterBindings map[string]string
	WorkspacePath     string
	CreatedAt         time.Time
	StartedAt         *time.Time
	DispatchedAt      *time.Time
	CompletedAt       *time.Time
	AssignedAgentID   *string
	AttemptNumber     int
	RootBuildID       string // equals ID for the first attempt
	FailureReason     string
}

// NewBuildID mints a collision-proof build identifier.
func NewBuildID() string {
	return uuid.NewString()
}

// NewBuild constructs the first attempt of a build for a job.
func NewBuild(jobID, orgID string, number int, trigger TriggerType, bindings map[string]string, now time.Time) Build {
	id := NewBuildID()
	return Build{
		ID:                id,
		JobID:             jobID,
		OrgID:             orgID,
		Number:            number,
		Status:            StatusQueued,
		Trigger:           trigger,
		ParameterBindings: bindings,
		CreatedAt:         now,
		AttemptNumber:     1,
		RootBuildID:       id,
	}
}

// Retry constructs a new attempt linked to this build's retry chain. Per
// spec.md §4.3, a retry shares the root's trigger type and parameters unless
// explicitly overridden by the caller before enqueueing.
func (b Build) Retry(now time.Time) Build {
	root := b.RootBuildID
	if root == "" {
		root = b.ID
	}
	return Build{
		ID:                NewBuildID(),
		JobID:             b.JobID,
		OrgID:             b.OrgID,
		Number:            b.Number,
		Status:            StatusQueued,
		Trigger:           b.Trigger,
		ParameterBindings: b.ParameterBindings,
		CreatedAt:         now,
		AttemptNumber:     b.AttemptNumber + 1,
		RootBuildID:       root,
	}
}

// Validate checks the retry-chain invariants from testable property 9: the
// root id never changes across a chain and a build never names itself as
// its own parent without being attempt 1.
func (b Build) Validate() error {
	if b.ID == "" {
		return cherrors.New(cherrors.CodeValidation, "build id is required")
	}
	if b.AttemptNumber < 1 {
		return cherrors.New(cherrors.CodeValidation, "attempt number must be >= 1")
	}
	if b.AttemptNumber == 1 && b.RootBuildID != b.ID {
		return cherrors.New(cherrors.CodeValidation, "first attempt must be its own root")
	}
	if b.AttemptNumber > 1 && b.RootBuildID == b.ID {
		return cherrors.New(cherrors.CodeValidation, "retry cannot be its own root")
	}
	return nil
}

// Transition moves the build to a new status, stamping the relevant
// timestamp. Callers are responsible for persisting the result; Transition
// itself performs no I/O so it composes cleanly with store implementations
// that wrap it in a transaction.
func (b Build) Transition(status Status, now time.Time) Build {
	next := b
	next.Status = status
	switch status {
	case StatusDispatching:
		next.DispatchedAt = &now
	case StatusRunning:
		next.StartedAt = &now
	case StatusSuccess, StatusFailure, StatusAborted, StatusOrphaned:
		next.CompletedAt = &now
	}
	return next
}

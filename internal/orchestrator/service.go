// Package orchestrator is the trigger-to-execution glue the HTTP/CLI edge
// calls into: resolve a job, mint a build, run the dispatch decision table,
// and for a local decision hand the build to the bounded worker pool so the
// Build Runner's lifecycle runs off the calling goroutine. It validates
// first, then branches into exactly one of the dispatcher's
// local/remote/queued/failed execution paths, persisting the outcome
// either way.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/agentregistry"
	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/dispatcher"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/runner"
	"github.com/chengis/chengis/internal/worker"
)

// Payload is the self-contained description of a build an agent (or a
// locally-dispatched worker) needs to run it without any further lookups
// against the master's stores.
type Payload struct {
	Build          build.Build
	Job            build.Job
	RepoURL        string
	Branch         string
}

// Service wires the dispatcher's decision to a concrete execution path.
type Service struct {
	jobs       ports.JobStore
	builds     ports.BuildStore
	dispatcher *dispatcher.Dispatcher
	runner     *runner.Runner
	pool       *worker.Pool
	logger     ports.Logger

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc
}

// NewService constructs a Service.
func NewService(jobs ports.JobStore, builds ports.BuildStore, d *dispatcher.Dispatcher, r *runner.Runner, pool *worker.Pool, logger ports.Logger) *Service {
	return &Service{jobs: jobs, builds: builds, dispatcher: d, runner: r, pool: pool, logger: logger, cancels: make(map[string]context.CancelFunc)}
}

// CancelBuild interrupts a locally-running build's context, per spec.md
// §4.3's cooperative-cancellation discipline. Reports false if the build
// isn't running locally on this process (already finished, or dispatched to
// a remote agent — agent-side cancellation is a separate, agent-addressed
// operation outside this Service's scope).
func (s *Service) CancelBuild(buildID string) bool {
	s.cancelsMu.Lock()
	cancel, ok := s.cancels[buildID]
	s.cancelsMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// TriggerInput carries one trigger request's parameters.
type TriggerInput struct {
	JobID          string
	Bindings       map[string]string
	Trigger        build.TriggerType
	RepoURL        string
	Branch         string
	RequiredLabels []string
	PreferredRegion string
	ResourceHints  *ResourceHints
	MaxRetries     int
}

// ResourceHints mirrors agentregistry.ResourceHints without importing it, so
// callers composing a TriggerInput don't need that package.
type ResourceHints struct {
	MinCPU    int
	MinMemory int
}

// TriggerBuild resolves job, mints a new build attempt, persists it, and
// dispatches it per spec.md §4.6. The returned build reflects its status
// immediately after dispatch (queued/dispatching/failed); a locally
// dispatched build continues running asynchronously on the worker pool.
func (s *Service) TriggerBuild(ctx context.Context, in TriggerInput) (build.Build, error) {
	job, err := s.jobs.GetJob(ctx, in.JobID)
	if err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeNotFound, "resolve job", err).WithContext(map[string]interface{}{"job_id": in.JobID})
	}

	bindings, err := job.ParameterSchema.CheckBindings(in.Bindings)
	if err != nil {
		return build.Build{}, err
	}

	number, err := s.jobs.NextBuildNumber(ctx, job.ID)
	if err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "assign build number", err)
	}

	trigger := in.Trigger
	if trigger == "" {
		trigger = build.TriggerManual
	}
	b := build.NewBuild(job.ID, job.OrgID, number, trigger, bindings, time.Now())
	if err := b.Validate(); err != nil {
		return build.Build{}, err
	}
	if err := s.builds.CreateBuild(ctx, b); err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "persist new build", err)
	}

	return s.dispatch(ctx, b, job, in)
}

func (s *Service) dispatch(ctx context.Context, b build.Build, job build.Job, in TriggerInput) (build.Build, error) {
	labels := in.RequiredLabels
	if len(labels) == 0 {
		labels = job.RequiredLabels
	}

	payload, err := json.Marshal(Payload{Build: b, Job: job, RepoURL: in.RepoURL, Branch: in.Branch})
	if err != nil {
		return build.Build{}, cherrors.Wrap(cherrors.CodeInternal, "marshal dispatch payload", err)
	}

	var hints *agentregistry.ResourceHints
	if in.ResourceHints != nil {
		hints = &agentregistry.ResourceHints{MinCPU: in.ResourceHints.MinCPU, MinMemory: in.ResourceHints.MinMemory}
	}

	decision := s.dispatcher.Dispatch(ctx, dispatcher.Input{
		BuildID:         b.ID,
		JobID:           job.ID,
		OrgID:           job.OrgID,
		Payload:         payload,
		RequiredLabels:  labels,
		PreferredRegion: in.PreferredRegion,
		ResourceHints:   hints,
		MaxRetries:      in.MaxRetries,
	})

	now := time.Now()
	switch decision.Mode {
	case dispatcher.ModeLocal:
		b = b.Transition(build.StatusDispatching, now)
		if err := s.builds.UpdateBuild(ctx, b); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "failed to persist dispatching transition", "error", err)
		}
		runB, runJob := b, job
		runCtx, cancel := context.WithCancel(context.Background())
		s.cancelsMu.Lock()
		s.cancels[b.ID] = cancel
		s.cancelsMu.Unlock()

		// Submit itself only blocks on a free pool slot, bounded by ctx (the
		// caller's request context); the build's own lifecycle runs on runCtx,
		// independent of the HTTP request that triggered it.
		if err := s.pool.Submit(ctx, b.ID, func(context.Context) error {
			defer func() {
				cancel()
				s.cancelsMu.Lock()
				delete(s.cancels, runB.ID)
				s.cancelsMu.Unlock()
			}()
			_, _, runErr := s.runner.Run(runCtx, runB, runJob, in.RepoURL, in.Branch)
			return runErr
		}); err != nil {
			cancel()
			s.cancelsMu.Lock()
			delete(s.cancels, b.ID)
			s.cancelsMu.Unlock()
			return s.failBuild(ctx, b, err)
		}
		return b, nil

	case dispatcher.ModeRemote:
		b.AssignedAgentID = &decision.AgentID
		b = b.Transition(build.StatusDispatching, now)
		if err := s.builds.UpdateBuild(ctx, b); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "failed to persist dispatching transition", "error", err)
		}
		return b, nil

	case dispatcher.ModeQueued:
		if err := s.builds.UpdateBuild(ctx, b); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "failed to persist queued build", "error", err)
		}
		return b, nil

	default: // ModeFailed
		return s.failBuild(ctx, b, cherrors.New(cherrors.CodeDispatchError, decision.Reason))
	}
}

func (s *Service) failBuild(ctx context.Context, b build.Build, cause error) (build.Build, error) {
	b = b.Transition(build.StatusFailure, time.Now())
	b.FailureReason = cause.Error()
	if err := s.builds.UpdateBuild(ctx, b); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "failed to persist failed build", "error", err)
	}
	return b, cause
}

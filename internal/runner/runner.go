// Package runner is the Build Runner (spec.md §4.3): the orchestration
// owning a single build's lifecycle end to end, from workspace acquisition
// through notification — one lifecycle a build goes through regardless of
// how it was triggered.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/pipelinefile"
	"github.com/chengis/chengis/internal/ports"
)

// Runner drives one build from a queued/dispatched state to completion.
type Runner struct {
	executor     ports.PipelineExecutor
	scm          ports.SCMCheckout
	secrets      ports.SecretBackend
	artifacts    ports.ArtifactHandler
	notifier     ports.Notifier
	bus          *eventbus.Bus
	jobs         ports.JobStore
	builds       ports.BuildStore
	logger       ports.Logger
	resolver     *pipelinefile.Resolver
	workspaceDir string
	retention    time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

func WithSCMCheckout(s ports.SCMCheckout) Option       { return func(r *Runner) { r.scm = s } }
func WithSecretBackend(s ports.SecretBackend) Option   { return func(r *Runner) { r.secrets = s } }
func WithArtifactHandler(a ports.ArtifactHandler) Option { return func(r *Runner) { r.artifacts = a } }
func WithNotifier(n ports.Notifier) Option             { return func(r *Runner) { r.notifier = n } }
func WithLogger(l ports.Logger) Option                 { return func(r *Runner) { r.logger = l } }
func WithWorkspaceDir(dir string) Option               { return func(r *Runner) { r.workspaceDir = dir } }
func WithWorkspaceRetention(d time.Duration) Option    { return func(r *Runner) { r.retention = d } }

// NewRunner constructs a Runner. executor, bus, jobs, builds are required
// collaborators; everything else is optional (a nil SCM, secret backend,
// artifact handler, or notifier is simply skipped for builds that don't need
// them).
func NewRunner(executor ports.PipelineExecutor, bus *eventbus.Bus, jobs ports.JobStore, builds ports.BuildStore, resolver *pipelinefile.Resolver, opts ...Option) *Runner {
	r := &Runner{
		executor:     executor,
		bus:          bus,
		jobs:         jobs,
		builds:       builds,
		resolver:     resolver,
		workspaceDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// sinkAdapter forwards build.Context.Publish calls onto the durable event
// bus.
type sinkAdapter struct {
	bus *eventbus.Bus
}

func (s sinkAdapter) Publish(ctx context.Context, evt build.BuildEvent) error {
	return s.bus.Publish(ctx, evt)
}

// Run executes the full ten-step lifecycle from spec.md §4.3 for b, whose
// Job is already known to exist. branch and repoURL come from the job/build
// trigger. Once the final state is persisted, Run drops the bus's event-id
// cursor for the build.
func (r *Runner) Run(ctx context.Context, b build.Build, job build.Job, repoURL, branch string) (build.Build, build.Result, error) {
	logger := r.logger
	if logger != nil {
		logger = logger.With("build_id", b.ID, "job_id", job.ID)
	}

	workspace, cleanup, err := r.acquireWorkspace(b.ID)
	if err != nil {
		return r.fail(ctx, b, cherrors.Wrap(cherrors.CodeInternal, "acquire workspace", err))
	}
	defer cleanup()
	b.WorkspacePath = workspace

	if r.scm != nil && repoURL != "" {
		sha, err := r.scm.Checkout(ctx, workspace, repoURL, branch)
		if err != nil {
			return r.fail(ctx, b, cherrors.Wrap(cherrors.CodeInternal, "scm checkout", err))
		}
		if logger != nil {
			logger.Info(ctx, "checked out build source", "commit", sha, "branch", branch)
		}
	}

	p, err := r.resolver.Resolve(ctx, workspace, job.PipelineSource)
	if err != nil {
		return r.fail(ctx, b, err)
	}

	maskValues, env, err := r.hydrateSecrets(ctx, job.OrgID, job.ID)
	if err != nil {
		return r.fail(ctx, b, err)
	}

	bc := &build.Context{
		BuildID:       b.ID,
		JobID:         job.ID,
		OrgID:         job.OrgID,
		WorkspacePath: workspace,
		Env:           env,
		MaskValues:    maskValues,
		Branch:        branch,
		Params:        b.ParameterBindings,
		Sink:          sinkAdapter{bus: r.bus},
	}

	now := time.Now()
	b = b.Transition(build.StatusRunning, now)
	if err := r.builds.UpdateBuild(ctx, b); err != nil && logger != nil {
		logger.Warn(ctx, "failed to persist running transition", "error", err)
	}

	result, err := r.executor.Execute(ctx, bc, p)
	if err != nil {
		return r.fail(ctx, b, err)
	}

	b = b.Transition(result.Status, time.Now())
	b.FailureReason = result.FailureReason

	for _, stageRun := range result.Stages {
		if err := r.builds.RecordStageRun(ctx, stageRun); err != nil && logger != nil {
			logger.Warn(ctx, "failed to record stage run", "stage", stageRun.Name, "error", err)
		}
	}
	for _, stepRun := range result.Steps {
		if err := r.builds.RecordStepRun(ctx, stepRun); err != nil && logger != nil {
			logger.Warn(ctx, "failed to record step run", "step", stepRun.StepID, "error", err)
		}
	}

	if r.artifacts != nil && len(p.ArtifactPatterns) > 0 && result.Status == build.StatusSuccess {
		refs, err := r.artifacts.Collect(ctx, b.ID, workspace, p.ArtifactPatterns)
		if err != nil && logger != nil {
			logger.Warn(ctx, "artifact collection failed", "error", err)
		} else if logger != nil {
			logger.Info(ctx, "collected artifacts", "count", len(refs))
		}
	}

	if r.notifier != nil {
		for _, target := range p.NotifyTargets {
			if err := r.notifier.Notify(ctx, target, b); err != nil && logger != nil {
				logger.Warn(ctx, "notification failed", "target", target, "error", err)
			}
		}
	}

	if err := r.builds.UpdateBuild(ctx, b); err != nil && logger != nil {
		logger.Warn(ctx, "failed to persist final build state", "error", err)
	}
	r.bus.DropCursor(b.ID)

	return b, result, nil
}

// fail transitions b to failure, persists it, and returns a zero-value
// result alongside the error for the caller's dispatch-result bookkeeping.
func (r *Runner) fail(ctx context.Context, b build.Build, cause error) (build.Build, build.Result, error) {
	b = b.Transition(build.StatusFailure, time.Now())
	b.FailureReason = cause.Error()
	if err := r.builds.UpdateBuild(ctx, b); err != nil && r.logger != nil {
		r.logger.Warn(ctx, "failed to persist failed build", "error", err)
	}
	return b, build.Result{Status: build.StatusFailure, FailureReason: cause.Error()}, cause
}

// acquireWorkspace creates a build-scoped directory under the runner's
// configured workspace root, returning a cleanup closure that removes it.
// The closure honors r.retention: a non-zero retention (set through
// WithWorkspaceRetention) leaves the directory in place, and nothing in this
// package removes it later; with the default of zero it removes the
// workspace as soon as Run returns, since nothing else in spec.md reads it
// after that.
func (r *Runner) acquireWorkspace(buildID string) (string, func(), error) {
	path := filepath.Join(r.workspaceDir, "chengis-build-"+buildID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("create workspace %s: %w", path, err)
	}
	cleanup := func() {
		if r.retention <= 0 {
			_ = os.RemoveAll(path)
		}
	}
	return path, cleanup, nil
}

// hydrateSecrets resolves the org/job's secrets and derives the mask-value
// set (values only, never keys, per ports.SecretBackend's contract) a step
// executor uses to redact streamed output.
func (r *Runner) hydrateSecrets(ctx context.Context, orgID, jobID string) ([]string, map[string]string, error) {
	if r.secrets == nil {
		return nil, nil, nil
	}
	resolved, err := r.secrets.Resolve(ctx, orgID, jobID)
	if err != nil {
		return nil, nil, cherrors.Wrap(cherrors.CodeInternal, "resolve secrets", err)
	}
	masks := make([]string, 0, len(resolved))
	for _, v := range resolved {
		if v != "" {
			masks = append(masks, v)
		}
	}
	return masks, resolved, nil
}

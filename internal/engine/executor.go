package engine

import (
	"context"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// Engine implements ports.PipelineExecutor.
type Engine struct {
	registry     ports.StepExecutorRegistry
	policy       ports.PolicyEngine
	approvals    ports.ApprovalWaiter
	logger       ports.Logger
	matrixCap    int
	postGrace    time.Duration
	parallelism  int
}

// Option configures an Engine instance.
type Option func(*Engine)

func WithPolicyEngine(p ports.PolicyEngine) Option       { return func(e *Engine) { e.policy = p } }
func WithApprovalWaiter(a ports.ApprovalWaiter) Option   { return func(e *Engine) { e.approvals = a } }
func WithLogger(l ports.Logger) Option                  { return func(e *Engine) { e.logger = l } }
func WithMatrixCap(cap int) Option                       { return func(e *Engine) { e.matrixCap = cap } }
func WithPostHookGrace(d time.Duration) Option           { return func(e *Engine) { e.postGrace = d } }
func WithParallelism(n int) Option                       { return func(e *Engine) { e.parallelism = n } }

// NewEngine constructs a Pipeline Executor backed by the given Step
// Executor Registry.
func NewEngine(registry ports.StepExecutorRegistry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		matrixCap: 25,
		postGrace: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements ports.PipelineExecutor. See spec.md §4.1 for the full
// execution contract this follows step by step.
func (e *Engine) Execute(ctx context.Context, bc *build.Context, p *pipeline.Pipeline) (build.Result, error) {
	if p == nil {
		return build.Result{Status: build.StatusFailure, FailureReason: "nil pipeline"}, cherrors.New(cherrors.CodeInternal, "nil pipeline")
	}
	settings := p.EffectiveSettings()
	cap := e.matrixCap
	if settings.MatrixMaxCombinations > 0 {
		cap = settings.MatrixMaxCombinations
	}

	// Matrix expansion happens for every stage before any stage runs, so a
	// combination-count overflow anywhere in the pipeline fails the build
	// before any step executes (testable property 3).
	stages, err := expandStages(p.Stages, cap)
	if err != nil {
		return build.Result{Status: build.StatusFailure, FailureReason: err.Error()}, nil
	}

	bc.Publish(ctx, build.BuildEvent{Type: build.EventBuildStarted})

	result := build.Result{Status: build.StatusSuccess}
	ec := evalContext{Branch: bc.Branch, Params: bc.Params}

	for ordinal, stage := range stages {
		if ctx.Err() != nil {
			result.Status = build.StatusAborted
			e.runPostHooks(ctx, bc, stage, build.StatusAborted, &result)
			continue
		}

		ok, condErr := newCondition(stage.When).Evaluate(ec)
		if condErr != nil {
			result.Status = build.StatusFailure
			result.FailureReason = condErr.Error()
			break
		}
		if !ok {
			result.Stages = append(result.Stages, build.StageRun{BuildID: bc.BuildID, Name: stage.Name, Ordinal: ordinal, Status: build.RunSkipped})
			continue
		}

		if stage.Approval != nil {
			status, aborted := e.runApprovalGate(ctx, bc, stage)
			if aborted {
				result.Status = build.StatusAborted
				result.Stages = append(result.Stages, build.StageRun{BuildID: bc.BuildID, Name: stage.Name, Ordinal: ordinal, Status: build.RunAborted})
				e.runPostHooks(ctx, bc, stage, build.StatusAborted, &result)
				continue
			}
			if status != build.ApprovalApproved {
				result.Status = build.StatusFailure
				result.FailureReason = "approval gate " + string(status)
				result.Stages = append(result.Stages, build.StageRun{BuildID: bc.BuildID, Name: stage.Name, Ordinal: ordinal, Status: build.RunFailure, FailReason: result.FailureReason})
				e.runPostHooks(ctx, bc, stage, build.StatusFailure, &result)
				continue
			}
		}

		if e.policy != nil {
			decision, policyErr := e.policy.EvaluateStage(ctx, bc, stage.Name)
			if policyErr != nil {
				result.Status = build.StatusFailure
				result.FailureReason = policyErr.Error()
				break
			}
			if !decision.Allowed && decision.Severity == "block" {
				result.Status = build.StatusFailure
				result.FailureReason = decision.Reason
				result.Stages = append(result.Stages, build.StageRun{BuildID: bc.BuildID, Name: stage.Name, Ordinal: ordinal, Status: build.RunFailure, FailReason: decision.Reason})
				e.runPostHooks(ctx, bc, stage, build.StatusFailure, &result)
				continue
			}
		}

		started := time.Now()
		bc.Publish(ctx, build.BuildEvent{Type: build.EventStageStarted, StageName: stage.Name})
		stageStatus, steps := e.runStage(ctx, bc, stage)
		completed := time.Now()
		result.Steps = append(result.Steps, steps...)
		result.Stages = append(result.Stages, build.StageRun{
			BuildID: bc.BuildID, Name: stage.Name, Ordinal: ordinal,
			Status: stageStatus, StartedAt: &started, CompletedAt: &completed,
		})
		bc.Publish(ctx, build.BuildEvent{Type: build.EventStageCompleted, StageName: stage.Name, Payload: map[string]interface{}{"status": stageStatus}})

		switch stageStatus {
		case build.RunAborted:
			result.Status = build.StatusAborted
		case build.RunFailure:
			if result.Status != build.StatusAborted {
				result.Status = build.StatusFailure
			}
		}

		outcome := build.StatusSuccess
		if stageStatus == build.RunFailure {
			outcome = build.StatusFailure
		} else if stageStatus == build.RunAborted {
			outcome = build.StatusAborted
		}
		e.runPostHooks(ctx, bc, stage, outcome, &result)

		if stageStatus == build.RunFailure || stageStatus == build.RunAborted {
			break
		}
	}

	e.runPipelinePost(ctx, bc, p, result.Status, &result)

	if result.Status == build.StatusAborted {
		bc.Publish(ctx, build.BuildEvent{Type: build.EventCancelled})
	}
	bc.Publish(ctx, build.BuildEvent{Type: build.EventBuildCompleted, Payload: map[string]interface{}{"status": result.Status}})

	return result, nil
}

// expandStages applies matrix expansion to every stage that declares one,
// in declaration order, failing fast on the first overflow.
func expandStages(stages []pipeline.Stage, cap int) ([]pipeline.Stage, error) {
	out := make([]pipeline.Stage, 0, len(stages))
	for _, stage := range stages {
		if stage.Matrix == nil {
			out = append(out, stage)
			continue
		}
		expanded, err := stage.Matrix.Expand(stage, cap)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// runApprovalGate waits on the approval collaborator and reports whether
// the wait ended because ctx was cancelled (distinct from a rejection or
// timeout, which are build failures rather than aborts).
func (e *Engine) runApprovalGate(ctx context.Context, bc *build.Context, stage pipeline.Stage) (build.ApprovalStatus, bool) {
	bc.Publish(ctx, build.BuildEvent{Type: build.EventGatePending, StageName: stage.Name})

	deadline := time.Now().Add(time.Duration(stage.Approval.TimeoutSeconds) * time.Second)
	gate := build.ApprovalGate{
		BuildID:      bc.BuildID,
		StageName:    stage.Name,
		RequiredRole: stage.Approval.RequiredRole,
		MinApprovals: stage.Approval.MinApprovals,
		Deadline:     deadline,
		Status:       build.ApprovalPending,
	}

	if e.approvals == nil {
		return build.ApprovalTimedOut, false
	}

	status, err := e.approvals.Await(ctx, gate)
	bc.Publish(ctx, build.BuildEvent{Type: build.EventGateResolved, StageName: stage.Name, Payload: map[string]interface{}{"status": status}})
	if err != nil && ctx.Err() != nil {
		return status, true
	}
	return status, false
}

// runStage executes a stage's steps, sequentially or all-concurrent per
// stage.Parallel, stopping a sequential stage at the first failure but
// always launching every step of a parallel stage.
func (e *Engine) runStage(ctx context.Context, bc *build.Context, stage pipeline.Stage) (build.RunStatus, []build.StepRun) {
	stageCtx := bc
	if stage.Container != nil {
		stageCtx = bc.WithEnv(map[string]string{"CHENGIS_CONTAINER_IMAGE": stage.Container.Image})
	}

	if !stage.Parallel {
		var runs []build.StepRun
		for ordinal, step := range stage.Steps {
			if ctx.Err() != nil {
				runs = append(runs, build.StepRun{BuildID: bc.BuildID, StageName: stage.Name, StepID: step.ID, Ordinal: ordinal, Status: build.RunAborted})
				continue
			}
			run := e.runStep(ctx, stageCtx, stage.Name, ordinal, step)
			runs = append(runs, run)
			if run.Status == build.RunFailure {
				return build.RunFailure, runs
			}
			if run.Status == build.RunAborted {
				return build.RunAborted, runs
			}
		}
		return build.RunSuccess, runs
	}

	runs := make([]build.StepRun, len(stage.Steps))
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := false
	aborted := false

	limit := e.parallelism
	if limit <= 0 {
		limit = len(stage.Steps)
	}
	sem := make(chan struct{}, limit)

	for ordinal, step := range stage.Steps {
		wg.Add(1)
		go func(i int, st pipeline.Step) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			run := e.runStep(ctx, stageCtx, stage.Name, i, st)
			mu.Lock()
			runs[i] = run
			if run.Status == build.RunFailure {
				failed = true
			}
			if run.Status == build.RunAborted {
				aborted = true
			}
			mu.Unlock()
		}(ordinal, step)
	}
	wg.Wait()

	switch {
	case aborted && ctx.Err() != nil:
		return build.RunAborted, runs
	case failed:
		return build.RunFailure, runs
	default:
		return build.RunSuccess, runs
	}
}

// runStep resolves and invokes the step's executor, translating its result
// into a persisted StepRun. Executor errors are captured as step failures
// (spec.md §7 propagation policy), never returned as exceptions.
func (e *Engine) runStep(ctx context.Context, bc *build.Context, stageName string, ordinal int, step pipeline.Step) build.StepRun {
	if ctx.Err() != nil {
		return build.StepRun{BuildID: bc.BuildID, StageName: stageName, StepID: step.ID, Ordinal: ordinal, Status: build.RunAborted}
	}

	ec := evalContext{Branch: bc.Branch, Params: bc.Params}
	ok, err := newCondition(step.When).Evaluate(ec)
	if err != nil {
		return build.StepRun{BuildID: bc.BuildID, StageName: stageName, StepID: step.ID, Ordinal: ordinal, Status: build.RunFailure, Err: err.Error()}
	}
	if !ok {
		return build.StepRun{BuildID: bc.BuildID, StageName: stageName, StepID: step.ID, Ordinal: ordinal, Status: build.RunSkipped}
	}

	started := time.Now()
	bc.Publish(ctx, build.BuildEvent{Type: build.EventStepStarted, StageName: stageName, StepID: step.ID})

	executor, lookupErr := e.registry.Get(step.Type)
	if lookupErr != nil {
		completed := time.Now()
		run := build.StepRun{
			BuildID: bc.BuildID, StageName: stageName, StepID: step.ID, Ordinal: ordinal,
			Status: build.RunFailure, StartedAt: &started, CompletedAt: &completed, Err: lookupErr.Error(),
		}
		bc.Publish(ctx, build.BuildEvent{Type: build.EventStepCompleted, StageName: stageName, StepID: step.ID, Payload: map[string]interface{}{"status": run.Status}})
		return run
	}

	result, execErr := executor.Execute(ctx, bc, step)
	completed := time.Now()

	status := build.RunSuccess
	if result.TimedOut {
		status = build.RunFailure
	} else if execErr != nil || result.Err != nil {
		if cherrors.IsCancelled(execErr) {
			status = build.RunAborted
		} else {
			status = build.RunFailure
		}
	} else if !result.Succeeded() {
		status = build.RunFailure
	}

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	} else if result.Err != nil {
		errMsg = result.Err.Error()
	}

	run := build.StepRun{
		BuildID: bc.BuildID, StageName: stageName, StepID: step.ID, Ordinal: ordinal,
		Status: status, ExitCode: result.ExitCode, TimedOut: result.TimedOut, ToolMissing: result.ToolMissing,
		StartedAt: &started, CompletedAt: &completed, Stdout: result.Stdout, Stderr: result.Stderr, Err: errMsg,
	}
	bc.Publish(ctx, build.BuildEvent{Type: build.EventStepCompleted, StageName: stageName, StepID: step.ID, Payload: map[string]interface{}{"status": run.Status, "exit_code": run.ExitCode}})
	return run
}

// runPostHooks runs a stage's always/on-success/on-failure hooks. Per
// DESIGN.md's resolution of spec.md §9 open question (b), hooks always run
// with a detached context carrying a bounded grace period instead of the
// (possibly already-cancelled) execution context, so cleanup is not starved
// by the same cancellation that stopped the stage.
func (e *Engine) runPostHooks(ctx context.Context, bc *build.Context, stage pipeline.Stage, outcome build.Status, result *build.Result) {
	if stage.Post == nil || stage.Post.IsEmpty() {
		return
	}
	hookCtx, cancel := context.WithTimeout(detach(ctx), e.postGrace)
	defer cancel()

	for ordinal, step := range stage.Post.Always {
		result.Steps = append(result.Steps, e.runStep(hookCtx, bc, stage.Name+".post.always", ordinal, step))
	}
	if outcome == build.StatusSuccess {
		for ordinal, step := range stage.Post.OnSuccess {
			result.Steps = append(result.Steps, e.runStep(hookCtx, bc, stage.Name+".post.success", ordinal, step))
		}
	}
	if outcome == build.StatusFailure {
		for ordinal, step := range stage.Post.OnFailure {
			result.Steps = append(result.Steps, e.runStep(hookCtx, bc, stage.Name+".post.failure", ordinal, step))
		}
	}
}

func (e *Engine) runPipelinePost(ctx context.Context, bc *build.Context, p *pipeline.Pipeline, outcome build.Status, result *build.Result) {
	if p.Post == nil || p.Post.IsEmpty() {
		return
	}
	hookCtx, cancel := context.WithTimeout(detach(ctx), e.postGrace)
	defer cancel()

	for ordinal, step := range p.Post.Always {
		result.Steps = append(result.Steps, e.runStep(hookCtx, bc, "pipeline.post.always", ordinal, step))
	}
	if outcome == build.StatusSuccess {
		for ordinal, step := range p.Post.OnSuccess {
			result.Steps = append(result.Steps, e.runStep(hookCtx, bc, "pipeline.post.success", ordinal, step))
		}
	}
	if outcome == build.StatusFailure {
		for ordinal, step := range p.Post.OnFailure {
			result.Steps = append(result.Steps, e.runStep(hookCtx, bc, "pipeline.post.failure", ordinal, step))
		}
	}
}

// detachedContext carries no deadline or cancellation from its parent but
// keeps its values (correlation id, etc.), so post hooks are never starved
// by the cancellation that stopped the stage they clean up after.
type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool)        { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}               { return nil }
func (d detachedContext) Err() error                          { return nil }
func (d detachedContext) Value(key interface{}) interface{} { return d.parent.Value(key) }

func detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

var _ ports.PipelineExecutor = (*Engine)(nil)

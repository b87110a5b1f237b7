package ports

import (
	"context"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
)

// StepExecutor is the Step Executor Registry's per-kind contract
// (spec.md §4.2): execute(build-context, step-definition) -> result.
// Implementations must honor bc's working directory, environment, and mask
// values, inherit step.Timeout (falling back to the caller's default when
// zero), never terminate the underlying process directly (return a failure
// result instead), tag exit code 127 as tool-not-found, and stream output
// through bc's event sink rather than buffering indefinitely.
type StepExecutor interface {
	Execute(ctx context.Context, bc *build.Context, step pipeline.Step) (build.StepResult, error)
}

// StepExecutorRegistry maps a step kind to its executor. Populated once at
// startup; safe for concurrent Get calls since the Pipeline Executor
// resolves executors from parallel goroutines.
type StepExecutorRegistry interface {
	Register(kind pipeline.StepType, executor StepExecutor) error
	Get(kind pipeline.StepType) (StepExecutor, error)
	List() []pipeline.StepType
}

// PipelineExecutor is the Pipeline Executor's top-level contract: walk a
// pipeline definition against a build context and return a terminal result.
type PipelineExecutor interface {
	Execute(ctx context.Context, bc *build.Context, p *pipeline.Pipeline) (build.Result, error)
}

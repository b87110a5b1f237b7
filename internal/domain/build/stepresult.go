package build

import "time"

// StepResult is what a Step Executor Registry implementation returns for
// one step.execute(build-context, step) call (spec.md §4.2). It is distinct
// from StepRun: StepResult is the executor's raw answer, StepRun is the
// persisted record the Pipeline Executor builds from it (plus ordinal,
// stage name, and timestamps the executor never sees).
type StepResult struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	Duration    time.Duration
	TimedOut    bool
	ToolMissing bool // exit code 127
	Err         error
}

// Succeeded reports whether the step completed with a zero exit code and no
// executor-level error.
func (r StepResult) Succeeded() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

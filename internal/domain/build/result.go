package build

// Result is the Pipeline Executor's terminal output (spec.md §4.1): a
// build status plus the structured per-stage/step outcomes the Build
// Runner persists and the CLI/UI surface renders.
type Result struct {
	Status        Status
	FailureReason string
	Stages        []StageRun
	Steps         []StepRun
}

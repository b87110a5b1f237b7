package pipeline

import "regexp"

var stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// StepType enumerates the step kinds the Step Executor Registry knows how to
// run. Values line up with internal/domain/plugin.Type so a Step's Type can
// be cast directly into a registry lookup key.
type StepType string

const (
	StepTypeShell          StepType = "shell"
	StepTypeDocker         StepType = "docker"
	StepTypeDockerCompose  StepType = "docker-compose"
	StepTypeTerraform      StepType = "terraform"
	StepTypePulumi         StepType = "pulumi"
	StepTypeCloudFormation StepType = "cloudformation"
)

var validStepTypes = []StepType{
	StepTypeShell,
	StepTypeDocker,
	StepTypeDockerCompose,
	StepTypeTerraform,
	StepTypePulumi,
	StepTypeCloudFormation,
}

// Step is the atomic executable unit of a pipeline: a shell command, a
// container invocation, or an IaC action.
type Step struct {
	ID      string
	Name    string
	Type    StepType
	Run     string
	With    map[string]interface{}
	Env     map[string]string
	Timeout int // seconds; zero means the Step Executor Registry default applies
	When    string
}

// WithEnv returns a copy of the step with the given environment variables
// merged in, overriding any existing key of the same name. Used by matrix
// expansion to inject MATRIX_<AXIS> bindings without mutating the original.
func (s Step) WithEnv(extra map[string]string) Step {
	merged := make(map[string]string, len(s.Env)+len(extra))
	for k, v := range s.Env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	s.Env = merged
	return s
}

// Validate ensures the step satisfies its structural invariants. Condition
// syntax in When is not checked here; internal/engine/condition.go evaluates
// it when the step or stage is reached during execution, so a typo surfaces
// as a build failure naming the offending atom, not a generic pipeline parse
// error.
func (s Step) Validate() error {
	if s.ID == "" {
		return newMissingFieldError("id")
	}
	if !stepIDPattern.MatchString(s.ID) {
		return newValidationError("step id must match ^[a-zA-Z0-9_-]+$", map[string]interface{}{"step_id": s.ID})
	}
	if s.Type == "" {
		return newMissingFieldError("type")
	}
	if !isValidStepType(s.Type) {
		return newTypeError(joinStepTypes(), string(s.Type)).WithContext(map[string]interface{}{"step_id": s.ID})
	}
	if s.Type == StepTypeShell && s.Run == "" {
		return newValidationError("shell steps require a run command", map[string]interface{}{"step_id": s.ID})
	}
	if s.Timeout < 0 {
		return newValidationError("timeout must be non-negative", map[string]interface{}{"step_id": s.ID})
	}
	return nil
}

func isValidStepType(t StepType) bool {
	for _, candidate := range validStepTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

func joinStepTypes() string {
	out := "one of "
	for i, t := range validStepTypes {
		if i > 0 {
			out += ", "
		}
		out += string(t)
	}
	return out
}

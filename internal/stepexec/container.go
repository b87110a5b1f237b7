package stepexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// DockerExecutor runs a step's command inside a container. It consults the
// image policy collaborator before running (spec.md §4.2): a denial
// short-circuits with a failure result tagged policy-denied, never an
// executor-level error.
type DockerExecutor struct {
	shell  *ShellExecutor
	policy ports.PolicyEngine
}

// NewDockerExecutor constructs a DockerExecutor. policy may be nil, in
// which case image policy is not consulted (useful for local/dev setups
// with no policy collaborator wired).
func NewDockerExecutor(defaultTimeout time.Duration, policy ports.PolicyEngine) *DockerExecutor {
	return &DockerExecutor{shell: NewShellExecutor(defaultTimeout), policy: policy}
}

func (e *DockerExecutor) Execute(ctx context.Context, bc *build.Context, step pipeline.Step) (build.StepResult, error) {
	image, _ := step.With["image"].(string)
	if image == "" {
		return build.StepResult{Err: cherrors.New(cherrors.CodeValidation, "docker step requires with.image")}, nil
	}

	if e.policy != nil {
		decision, err := e.policy.EvaluateImage(ctx, bc, image)
		if err != nil {
			return build.StepResult{Err: err}, err
		}
		if !decision.Allowed && decision.Severity == "block" {
			return build.StepResult{Err: cherrors.New(cherrors.CodePolicyDenied, decision.Reason).WithContext(map[string]interface{}{"image": image})}, nil
		}
	}

	run := dockerRunCommand(image, step)
	shellStep := step
	shellStep.Run = run
	return e.shell.Execute(ctx, bc, shellStep)
}

func dockerRunCommand(image string, step pipeline.Step) string {
	var b strings.Builder
	b.WriteString("docker run --rm")
	for k, v := range step.Env {
		fmt.Fprintf(&b, " -e %s=%q", k, v)
	}
	fmt.Fprintf(&b, " %s", image)
	if step.Run != "" {
		fmt.Fprintf(&b, " sh -c %q", step.Run)
	}
	return b.String()
}

// DockerComposeExecutor runs `docker-compose` against a compose file named
// by with.file (defaults to docker-compose.yml) and the command named by
// with.command (defaults to "up -d").
type DockerComposeExecutor struct {
	shell  *ShellExecutor
	policy ports.PolicyEngine
}

// NewDockerComposeExecutor constructs a DockerComposeExecutor.
func NewDockerComposeExecutor(defaultTimeout time.Duration, policy ports.PolicyEngine) *DockerComposeExecutor {
	return &DockerComposeExecutor{shell: NewShellExecutor(defaultTimeout), policy: policy}
}

func (e *DockerComposeExecutor) Execute(ctx context.Context, bc *build.Context, step pipeline.Step) (build.StepResult, error) {
	file, _ := step.With["file"].(string)
	if file == "" {
		file = "docker-compose.yml"
	}
	command, _ := step.With["command"].(string)
	if command == "" {
		command = "up -d"
	}

	if e.policy != nil {
		decision, err := e.policy.EvaluateImage(ctx, bc, file)
		if err != nil {
			return build.StepResult{Err: err}, err
		}
		if !decision.Allowed && decision.Severity == "block" {
			return build.StepResult{Err: cherrors.New(cherrors.CodePolicyDenied, decision.Reason).WithContext(map[string]interface{}{"file": file})}, nil
		}
	}

	shellStep := step
	shellStep.Run = fmt.Sprintf("docker-compose -f %q %s", file, command)
	return e.shell.Execute(ctx, bc, shellStep)
}

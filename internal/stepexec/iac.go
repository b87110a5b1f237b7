package stepexec

import (
	"context"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// iacTool identifies one of the three IaC CLIs the core wires directly; any
// other IaC tool is a plugin glue concern per spec.md §9.
type iacTool string

const (
	iacTerraform      iacTool = "terraform"
	iacPulumi         iacTool = "pulumi"
	iacCloudFormation iacTool = "cloudformation"
)

// IaCExecutor runs a step through one of the built-in infra-as-code CLIs.
// Like DockerExecutor it consults a tool policy collaborator before running
// and treats a denial as an ordinary failure result, never an exception.
type IaCExecutor struct {
	tool   iacTool
	shell  *ShellExecutor
	policy ports.PolicyEngine
}

// NewTerraformExecutor, NewPulumiExecutor, NewCloudFormationExecutor
// construct the three built-in IaC executors.
func NewTerraformExecutor(defaultTimeout time.Duration, policy ports.PolicyEngine) *IaCExecutor {
	return &IaCExecutor{tool: iacTerraform, shell: NewShellExecutor(defaultTimeout), policy: policy}
}

func NewPulumiExecutor(defaultTimeout time.Duration, policy ports.PolicyEngine) *IaCExecutor {
	return &IaCExecutor{tool: iacPulumi, shell: NewShellExecutor(defaultTimeout), policy: policy}
}

func NewCloudFormationExecutor(defaultTimeout time.Duration, policy ports.PolicyEngine) *IaCExecutor {
	return &IaCExecutor{tool: iacCloudFormation, shell: NewShellExecutor(defaultTimeout), policy: policy}
}

func (e *IaCExecutor) Execute(ctx context.Context, bc *build.Context, step pipeline.Step) (build.StepResult, error) {
	action, _ := step.With["action"].(string)
	if action == "" {
		action = "plan"
	}

	if e.policy != nil {
		decision, err := e.policy.EvaluateImage(ctx, bc, string(e.tool)+":"+action)
		if err != nil {
			return build.StepResult{Err: err}, err
		}
		if !decision.Allowed && decision.Severity == "block" {
			return build.StepResult{Err: cherrors.New(cherrors.CodePolicyDenied, decision.Reason).WithContext(map[string]interface{}{"tool": e.tool, "action": action})}, nil
		}
	}

	check := PreflightCheck{Kind: "command_exists", Arg: string(e.tool)}
	if err := check.Run(); err != nil {
		return build.StepResult{ExitCode: toolNotFoundExit, ToolMissing: true, Err: err}, nil
	}

	shellStep := step
	shellStep.Run = e.command(action, step)
	return e.shell.Execute(ctx, bc, shellStep)
}

func (e *IaCExecutor) command(action string, step pipeline.Step) string {
	dir, _ := step.With["dir"].(string)
	switch e.tool {
	case iacTerraform:
		if dir != "" {
			return fmt.Sprintf("terraform -chdir=%q %s", dir, action)
		}
		return "terraform " + action
	case iacPulumi:
		stack, _ := step.With["stack"].(string)
		if stack != "" {
			return fmt.Sprintf("pulumi %s --stack %q", action, stack)
		}
		return "pulumi " + action
	case iacCloudFormation:
		stackName, _ := step.With["stack_name"].(string)
		template, _ := step.With["template"].(string)
		return fmt.Sprintf("aws cloudformation %s --stack-name %q --template-body file://%q", action, stackName, template)
	default:
		return step.Run
	}
}

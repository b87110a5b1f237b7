package stepexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// TestIaCExecutorFlagsMissingCLI covers the preflight gate: an IaC tool
// absent from PATH is reported as tool-missing rather than attempted.
func TestIaCExecutorFlagsMissingCLI(t *testing.T) {
	exec := NewTerraformExecutor(5*time.Second, nil)
	bc := &build.Context{BuildID: "b1", WorkspacePath: t.TempDir()}

	result, err := exec.Execute(context.Background(), bc, pipeline.Step{ID: "s1"})
	require.NoError(t, err)
	assert.True(t, result.ToolMissing)
}

// TestIaCExecutorDeniesBlockedAction covers the policy gate ahead of the
// preflight check: a denied action never even reaches the tool lookup.
func TestIaCExecutorDeniesBlockedAction(t *testing.T) {
	policy := &fakePolicyEngine{imageDecision: ports.PolicyDecision{Allowed: false, Severity: "block", Reason: "destroy is forbidden"}}
	exec := NewTerraformExecutor(5*time.Second, policy)
	bc := &build.Context{BuildID: "b1", WorkspacePath: t.TempDir()}

	result, err := exec.Execute(context.Background(), bc, pipeline.Step{ID: "s1", With: map[string]interface{}{"action": "destroy"}})
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Equal(t, cherrors.CodePolicyDenied, cherrors.CodeOf(result.Err))
}

// TestIaCExecutorDefaultsActionToPlan covers the with.action default.
func TestIaCExecutorDefaultsActionToPlan(t *testing.T) {
	exec := NewPulumiExecutor(5*time.Second, nil)
	bc := &build.Context{BuildID: "b1", WorkspacePath: t.TempDir()}

	result, err := exec.Execute(context.Background(), bc, pipeline.Step{ID: "s1"})
	require.NoError(t, err)
	assert.True(t, result.ToolMissing, "pulumi is expected absent from the test host, confirming the default action still reached the preflight check")
}

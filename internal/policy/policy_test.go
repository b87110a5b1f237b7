package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEvaluateStageDeniesOnMatchingBlockRule covers spec.md §4.1 step 3: a
// denying rule with severity block must be surfaced to the caller so the
// engine can fail the stage.
func TestEvaluateStageDeniesOnMatchingBlockRule(t *testing.T) {
	eng, err := NewStaticEngine(Rules{
		StageRules: []Rule{
			{Pattern: "^prod-deploy$", Allow: false, Severity: "block", Reason: "requires change ticket"},
		},
	})
	require.NoError(t, err)

	decision, err := eng.EvaluateStage(context.Background(), nil, "prod-deploy")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "block", decision.Severity)
	assert.Equal(t, "requires change ticket", decision.Reason)
}

// TestEvaluateStageFirstMatchingRuleWins covers rule evaluation order: the
// first rule whose pattern matches decides, even if a later rule would
// also match.
func TestEvaluateStageFirstMatchingRuleWins(t *testing.T) {
	eng, err := NewStaticEngine(Rules{
		StageRules: []Rule{
			{Pattern: "^deploy-.*", Allow: true, Severity: "info"},
			{Pattern: "^deploy-prod$", Allow: false, Severity: "block"},
		},
	})
	require.NoError(t, err)

	decision, err := eng.EvaluateStage(context.Background(), nil, "deploy-prod")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "the first matching rule (allow) must win over the later, more specific deny")
}

// TestEvaluateImageNoRuleMatchAllowsByDefault covers the implicit-allow
// fallback when no rule matches a subject.
func TestEvaluateImageNoRuleMatchAllowsByDefault(t *testing.T) {
	eng, err := NewStaticEngine(Rules{
		ImageRules: []Rule{{Pattern: "^banned/.*", Allow: false, Severity: "block"}},
	})
	require.NoError(t, err)

	decision, err := eng.EvaluateImage(context.Background(), nil, "golang:1.25")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

// TestLoadStaticEngineMissingFileAllowsAll covers the fail-open default:
// no policy file configured means every subject is allowed.
func TestLoadStaticEngineMissingFileAllowsAll(t *testing.T) {
	eng, err := LoadStaticEngine("/nonexistent/chengis-policy.yaml")
	require.NoError(t, err)

	decision, err := eng.EvaluateStage(context.Background(), nil, "anything")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

// TestNewStaticEngineRejectsInvalidPattern covers fail-fast validation: a
// malformed regex is rejected at construction, not mid-build.
func TestNewStaticEngineRejectsInvalidPattern(t *testing.T) {
	_, err := NewStaticEngine(Rules{
		StageRules: []Rule{{Pattern: "(unclosed", Allow: false}},
	})
	assert.Error(t, err)
}

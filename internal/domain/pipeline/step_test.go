package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepValidate(t *testing.T) {
	t.Run("valid shell step", func(t *testing.T) {
		s := Step{ID: "build", Type: StepTypeShell, Run: "echo hi"}
		require.NoError(t, s.Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		s := Step{Type: StepTypeShell, Run: "echo hi"}
		err := s.Validate()
		require.Error(t, err)
		assert.Equal(t, ErrCodeMissing, err.(*DomainError).Code)
	})

	t.Run("invalid id characters", func(t *testing.T) {
		s := Step{ID: "bad id!", Type: StepTypeShell, Run: "echo hi"}
		err := s.Validate()
		require.Error(t, err)
		assert.Equal(t, ErrCodeValidation, err.(*DomainError).Code)
	})

	t.Run("unsupported type", func(t *testing.T) {
		s := Step{ID: "build", Type: "ansible"}
		err := s.Validate()
		require.Error(t, err)
		assert.Equal(t, ErrCodeType, err.(*DomainError).Code)
	})

	t.Run("shell without run", func(t *testing.T) {
		s := Step{ID: "build", Type: StepTypeShell}
		err := s.Validate()
		require.Error(t, err)
	})

	t.Run("negative timeout", func(t *testing.T) {
		s := Step{ID: "build", Type: StepTypeShell, Run: "echo hi", Timeout: -1}
		require.Error(t, s.Validate())
	})
}

func TestStepWithEnv(t *testing.T) {
	s := Step{ID: "build", Env: map[string]string{"A": "1"}}
	merged := s.WithEnv(map[string]string{"B": "2", "A": "3"})
	assert.Equal(t, "3", merged.Env["A"])
	assert.Equal(t, "2", merged.Env["B"])
	// original untouched
	assert.Equal(t, "1", s.Env["A"])
	assert.Len(t, s.Env, 1)
}

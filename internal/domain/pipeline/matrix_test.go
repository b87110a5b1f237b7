package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixExpandWithExclude(t *testing.T) {
	stage := Stage{
		Name:  "compile",
		Steps: []Step{validStep("build")},
		Matrix: &MatrixStrategy{
			Axes: []MatrixAxis{
				{Name: "os", Values: []string{"linux", "mac"}},
				{Name: "jdk", Values: []string{"11", "17"}},
			},
			Exclude: []map[string]string{{"os": "mac", "jdk": "11"}},
		},
	}

	expanded, err := stage.Matrix.Expand(stage, 25)
	require.NoError(t, err)
	require.Len(t, expanded, 3)

	names := make([]string, len(expanded))
	for i, s := range expanded {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"compile [os=linux, jdk=11]",
		"compile [os=linux, jdk=17]",
		"compile [os=mac, jdk=17]",
	}, names)

	for _, s := range expanded {
		for _, step := range s.Steps {
			assert.NotEmpty(t, step.Env["MATRIX_OS"])
			assert.NotEmpty(t, step.Env["MATRIX_JDK"])
		}
	}
}

func TestMatrixExpandExceedsCap(t *testing.T) {
	stage := Stage{
		Name:  "compile",
		Steps: []Step{validStep("build")},
	}
	m := MatrixStrategy{
		Axes: []MatrixAxis{
			{Name: "a", Values: []string{"1", "2", "3"}},
			{Name: "b", Values: []string{"1", "2", "3"}},
		},
	}
	_, err := m.Expand(stage, 4)
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, err.(*DomainError).Code)
}

func TestMatrixValidateRejectsUnknownExcludeAxis(t *testing.T) {
	m := MatrixStrategy{
		Axes:    []MatrixAxis{{Name: "os", Values: []string{"linux"}}},
		Exclude: []map[string]string{{"arch": "arm"}},
	}
	require.Error(t, m.Validate())
}

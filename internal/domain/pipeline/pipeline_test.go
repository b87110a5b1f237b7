package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validPipeline() Pipeline {
	return Pipeline{
		Name: "demo",
		Stages: []Stage{
			{Name: "build", Steps: []Step{validStep("compile")}},
		},
	}
}

func TestPipelineValidate(t *testing.T) {
	require.NoError(t, validPipeline().Validate())

	t.Run("missing name", func(t *testing.T) {
		p := validPipeline()
		p.Name = ""
		require.Error(t, p.Validate())
	})

	t.Run("no stages", func(t *testing.T) {
		p := validPipeline()
		p.Stages = nil
		require.Error(t, p.Validate())
	})

	t.Run("duplicate stage names", func(t *testing.T) {
		p := validPipeline()
		p.Stages = append(p.Stages, p.Stages[0])
		require.Error(t, p.Validate())
	})
}

func TestPipelineEffectiveSettings(t *testing.T) {
	p := validPipeline()
	settings := p.EffectiveSettings()
	require.Equal(t, 300, settings.Timeout)
	require.Equal(t, 25, settings.MatrixMaxCombinations)
}

func TestPipelineGetStage(t *testing.T) {
	p := validPipeline()
	stage, err := p.GetStage("build")
	require.NoError(t, err)
	require.Equal(t, "build", stage.Name)

	_, err = p.GetStage("missing")
	require.Error(t, err)
}

package pipelinefile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/domain/pipeline"
)

const samplePipelineEDN = `
{:version "1"
 :name "demo"
 :settings {:parallel 2 :timeout 300 :matrix_max_combinations 10}
 :stages [{:name "build"
           :steps [{:id "s1" :type "shell" :run "go build ./..." :env {:CGO_ENABLED "0"}}]}
          {:name "test"
           :when "branch == \"main\""
           :steps [{:id "s2" :type "shell" :run "go test ./..."}]}]
 :artifacts ["bin/*"]
 :notify ["#builds"]}
`

// TestParseEDNDecodesFullPipeline covers the hand-rolled reader's coverage
// of maps, vectors, keywords, strings, and numbers together, matching the
// same shape ParseYAML produces for an equivalent document.
func TestParseEDNDecodesFullPipeline(t *testing.T) {
	p, err := ParseEDN([]byte(samplePipelineEDN))
	require.NoError(t, err)

	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, 2, p.Settings.Parallel)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "build", p.Stages[0].Name)
	require.Len(t, p.Stages[0].Steps, 1)
	assert.Equal(t, pipeline.StepTypeShell, p.Stages[0].Steps[0].Type)
	assert.Equal(t, "0", p.Stages[0].Steps[0].Env["CGO_ENABLED"])
	assert.Equal(t, `branch == "main"`, p.Stages[1].When)
	assert.Equal(t, []string{"bin/*"}, p.ArtifactPatterns)
	assert.Equal(t, []string{"#builds"}, p.NotifyTargets)
}

// TestParseEDNRejectsNonMapDocument covers the top-level-shape guard: an
// EDN document that isn't a map is rejected rather than silently coerced.
func TestParseEDNRejectsNonMapDocument(t *testing.T) {
	_, err := ParseEDN([]byte(`["not" "a" "map"]`))
	assert.Error(t, err)
}

// TestParseEDNRejectsMissingRequiredFields covers Validate() running after
// the decode: a document with no stages fails the same way an equivalent
// invalid YAML document would.
func TestParseEDNRejectsMissingRequiredFields(t *testing.T) {
	_, err := ParseEDN([]byte(`{:name "demo"}`))
	assert.Error(t, err)
}

// TestParseEDNSupportsComments covers the reader's `;` line-comment
// handling, a detail not obvious from the grammar alone.
func TestParseEDNSupportsComments(t *testing.T) {
	doc := `
; a leading comment
{:name "demo" ; trailing comment
 :stages [{:name "build" :steps [{:id "s1" :type "shell" :run "echo hi"}]}]}
`
	p, err := ParseEDN([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
}

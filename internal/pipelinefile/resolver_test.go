package pipelinefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
name: from-yaml
stages:
  - name: build
    steps:
      - id: s1
        type: shell
        run: echo yaml
`

const minimalEDN = `{:name "from-edn" :stages [{:name "build" :steps [{:id "s1" :type "shell" :run "echo edn"}]}]}`

// TestResolvePrefersWorkspaceEDNOverYAMLAndStored covers spec.md §4.3 step
// 3's EDN > YAML > stored priority: when both files exist, EDN wins.
func TestResolvePrefersWorkspaceEDNOverYAMLAndStored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.edn"), []byte(minimalEDN), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yml"), []byte(minimalYAML), 0o644))

	r := NewResolver(nil)
	p, err := r.Resolve(context.Background(), dir, []byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-edn", p.Name)
}

// TestResolvePrefersWorkspaceYAMLOverStored covers the second priority tier:
// with no EDN file present, a workspace YAML file wins over the job's
// stored pipeline.
func TestResolvePrefersWorkspaceYAMLOverStored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yml"), []byte(minimalYAML), 0o644))

	storedYAML := `
name: from-stored
stages:
  - name: build
    steps:
      - id: s1
        type: shell
        run: echo stored
`
	r := NewResolver(nil)
	p, err := r.Resolve(context.Background(), dir, []byte(storedYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", p.Name)
}

// TestResolveFallsBackToStoredPipeline covers the last tier: an empty
// workspace falls back to the job's stored document.
func TestResolveFallsBackToStoredPipeline(t *testing.T) {
	dir := t.TempDir()
	storedYAML := `
name: from-stored
stages:
  - name: build
    steps:
      - id: s1
        type: shell
        run: echo stored
`
	r := NewResolver(nil)
	p, err := r.Resolve(context.Background(), dir, []byte(storedYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-stored", p.Name)
}

// TestResolveFailsWithNoSourceAvailable covers the terminal failure mode:
// no workspace file and no stored pipeline leaves nothing to build.
func TestResolveFailsWithNoSourceAvailable(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), dir, nil)
	assert.Error(t, err)
}

// TestResolveRecognizesDotfileVariant covers the .chengis.yml alias, the
// other half of the candidate-file list besides pipeline.yml.
func TestResolveRecognizesDotfileVariant(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chengis.yml"), []byte(minimalYAML), 0o644))

	r := NewResolver(nil)
	p, err := r.Resolve(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", p.Name)
}

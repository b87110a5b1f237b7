package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/eventbus"
	"github.com/chengis/chengis/internal/pipelinefile"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/store/devstore"
)

type fakePipelineExecutor struct {
	result build.Result
	err    error
}

func (f *fakePipelineExecutor) Execute(_ context.Context, _ *build.Context, _ *pipeline.Pipeline) (build.Result, error) {
	return f.result, f.err
}

type fakeSCM struct {
	sha string
	err error
}

func (f *fakeSCM) Checkout(_ context.Context, _, _, _ string) (string, error) {
	return f.sha, f.err
}

type fakeSecretBackend struct {
	values map[string]string
	err    error
}

func (f *fakeSecretBackend) Resolve(_ context.Context, _, _ string) (map[string]string, error) {
	return f.values, f.err
}

type fakeArtifactHandler struct {
	refs []ports.ArtifactRef
}

func (f *fakeArtifactHandler) Collect(_ context.Context, _, _ string, _ []string) ([]ports.ArtifactRef, error) {
	return f.refs, nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(_ context.Context, target string, _ build.Build) error {
	f.notified = append(f.notified, target)
	return nil
}

const stubPipelineYAML = `
version: 1
name: demo
stages:
  - name: build
    steps:
      - id: s1
        type: shell
        run: echo hi
`

func newTestBuildAndJob() (build.Build, build.Job) {
	job := build.Job{ID: "j1", OrgID: "o1", PipelineSource: []byte(stubPipelineYAML)}
	b := build.Build{ID: "b1", JobID: "j1", OrgID: "o1", Status: build.StatusDispatching}
	return b, job
}

// TestRunSucceedsAndPersistsFinalState covers the spec.md §4.3 happy path
// with checkout and secret hydration wired: the build runs to success and
// its final state is persisted. The stub pipeline declares no artifact
// patterns or notify targets, so artifact collection and notification are
// skipped.
func TestRunSucceedsAndPersistsFinalState(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)
	bus := eventbus.New(store, nil, 32)

	executor := &fakePipelineExecutor{result: build.Result{Status: build.StatusSuccess}}
	scm := &fakeSCM{sha: "abc123"}
	secrets := &fakeSecretBackend{values: map[string]string{"TOKEN": "s3cr3t"}}
	artifacts := &fakeArtifactHandler{refs: []ports.ArtifactRef{{Path: "bin/out"}}}
	notifier := &fakeNotifier{}

	r := NewRunner(executor, bus, store, store, pipelinefile.NewResolver(nil),
		WithSCMCheckout(scm), WithSecretBackend(secrets), WithArtifactHandler(artifacts),
		WithNotifier(notifier), WithWorkspaceDir(t.TempDir()))

	b, job := newTestBuildAndJob()
	require.NoError(t, store.CreateBuild(ctx, b))

	gotBuild, result, err := r.Run(ctx, b, job, "https://example.invalid/repo.git", "main")
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, result.Status)
	assert.Equal(t, build.StatusSuccess, gotBuild.Status)

	persisted, err := store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, persisted.Status)
}

// TestRunFailsWhenSCMCheckoutErrors covers the checkout-failure branch: the
// build transitions to failure and the executor never runs.
func TestRunFailsWhenSCMCheckoutErrors(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)
	bus := eventbus.New(store, nil, 32)

	executor := &fakePipelineExecutor{result: build.Result{Status: build.StatusSuccess}}
	scm := &fakeSCM{err: assert.AnError}

	r := NewRunner(executor, bus, store, store, pipelinefile.NewResolver(nil),
		WithSCMCheckout(scm), WithWorkspaceDir(t.TempDir()))

	b, job := newTestBuildAndJob()
	require.NoError(t, store.CreateBuild(ctx, b))

	_, result, err := r.Run(ctx, b, job, "https://example.invalid/repo.git", "main")
	require.Error(t, err)
	assert.Equal(t, build.StatusFailure, result.Status)
}

// TestRunFailsWhenNoPipelineResolvable covers the resolver's failure mode:
// a job with no stored pipeline and no workspace pipeline file fails fast.
func TestRunFailsWhenNoPipelineResolvable(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)
	bus := eventbus.New(store, nil, 32)
	executor := &fakePipelineExecutor{result: build.Result{Status: build.StatusSuccess}}

	r := NewRunner(executor, bus, store, store, pipelinefile.NewResolver(nil), WithWorkspaceDir(t.TempDir()))

	b := build.Build{ID: "b2", JobID: "j2", OrgID: "o1", Status: build.StatusDispatching}
	job := build.Job{ID: "j2", OrgID: "o1"}
	require.NoError(t, store.CreateBuild(ctx, b))

	_, result, err := r.Run(ctx, b, job, "", "")
	require.Error(t, err)
	assert.Equal(t, build.StatusFailure, result.Status)
}

// TestRunMasksSecretsWithoutLeakingKeys covers spec.md §4.3 step 4's
// contract: mask values carry the secret values, never their env key names.
func TestRunMasksSecretsWithoutLeakingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := devstore.Open("")
	require.NoError(t, err)
	bus := eventbus.New(store, nil, 32)

	var capturedMasks []string
	executor := &capturingExecutor{capture: func(bc *build.Context) {
		capturedMasks = bc.MaskValues
	}}
	secrets := &fakeSecretBackend{values: map[string]string{"API_TOKEN": "sekret-value"}}

	r := NewRunner(executor, bus, store, store, pipelinefile.NewResolver(nil),
		WithSecretBackend(secrets), WithWorkspaceDir(t.TempDir()))

	b, job := newTestBuildAndJob()
	require.NoError(t, store.CreateBuild(ctx, b))

	_, _, err = r.Run(ctx, b, job, "", "")
	require.NoError(t, err)
	assert.Contains(t, capturedMasks, "sekret-value")
	assert.NotContains(t, capturedMasks, "API_TOKEN")
}

type capturingExecutor struct {
	capture func(bc *build.Context)
}

func (c *capturingExecutor) Execute(_ context.Context, bc *build.Context, _ *pipeline.Pipeline) (build.Result, error) {
	c.capture(bc)
	return build.Result{Status: build.StatusSuccess}, nil
}

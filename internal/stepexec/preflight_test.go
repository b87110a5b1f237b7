package stepexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/cherrors"
)

// TestPreflightCommandExistsPasses covers the command_exists check against a
// binary guaranteed present on any test host running these suites.
func TestPreflightCommandExistsPasses(t *testing.T) {
	err := PreflightCheck{Kind: "command_exists", Arg: "sh"}.Run()
	assert.NoError(t, err)
}

// TestPreflightCommandExistsFailsAsPolicyDenied covers the wrap-as-denial
// contract: a missing tool surfaces as CodePolicyDenied, not a bare error.
func TestPreflightCommandExistsFailsAsPolicyDenied(t *testing.T) {
	err := PreflightCheck{Kind: "command_exists", Arg: "definitely-not-a-real-tool-xyz"}.Run()
	require.Error(t, err)
	assert.Equal(t, cherrors.CodePolicyDenied, cherrors.CodeOf(err))
}

// TestPreflightFileExists covers the file_exists check's pass/fail split.
func TestPreflightFileExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	assert.NoError(t, PreflightCheck{Kind: "file_exists", Arg: present}.Run())
	assert.Error(t, PreflightCheck{Kind: "file_exists", Arg: filepath.Join(dir, "missing.txt")}.Run())
}

// TestPreflightPathContains covers the path_contains regex check.
func TestPreflightPathContains(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "Dockerfile")
	require.NoError(t, os.WriteFile(manifest, []byte("FROM golang:1.25\nRUN go build ./...\n"), 0o644))

	assert.NoError(t, PreflightCheck{Kind: "path_contains", Arg: manifest, Match: "^FROM golang"}.Run())
	assert.Error(t, PreflightCheck{Kind: "path_contains", Arg: manifest, Match: "^FROM python"}.Run())
}

// TestPreflightUnknownKindIsValidationError covers the default branch: an
// unrecognized check kind fails with a validation error when Run is called
// rather than silently passing.
func TestPreflightUnknownKindIsValidationError(t *testing.T) {
	err := PreflightCheck{Kind: "nonsense"}.Run()
	require.Error(t, err)
	assert.Equal(t, cherrors.CodeValidation, cherrors.CodeOf(err))
}

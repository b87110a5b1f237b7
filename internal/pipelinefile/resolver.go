package pipelinefile

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cherrors.Wrap(cherrors.CodeNotFound, "pipeline file not found", err).WithContext(map[string]interface{}{"path": path})
		}
		return nil, cherrors.Wrap(cherrors.CodeInternal, "read pipeline file", err)
	}
	return raw, nil
}

// Resolver picks a build's effective pipeline following spec.md §4.3 step
// 3's priority: a workspace EDN file, then a workspace YAML file, then the
// job's server-stored pipeline.
type Resolver struct {
	logger ports.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(logger ports.Logger) *Resolver {
	return &Resolver{logger: logger}
}

var candidateFiles = []struct {
	name string
	kind string
}{
	{"pipeline.edn", "edn"},
	{".chengis.edn", "edn"},
	{"pipeline.yml", "yaml"},
	{"pipeline.yaml", "yaml"},
	{".chengis.yml", "yaml"},
	{".chengis.yaml", "yaml"},
}

// Resolve returns the effective pipeline for a build: the first
// pipeline-as-code file found in workspacePath, or storedPipeline (the
// job's own document, assumed YAML) if the workspace carries none.
func (r *Resolver) Resolve(ctx context.Context, workspacePath string, storedPipeline []byte) (*pipeline.Pipeline, error) {
	for _, candidate := range candidateFiles {
		path := filepath.Join(workspacePath, candidate.name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if candidate.kind == "edn" {
			return ParseEDN(raw)
		}
		return ParseYAML(raw)
	}

	if len(storedPipeline) == 0 {
		return nil, cherrors.New(cherrors.CodeValidation, "no pipeline-as-code file found and job has no stored pipeline")
	}
	return ParseYAML(storedPipeline)
}

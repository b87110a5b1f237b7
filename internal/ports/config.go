package ports

import (
	"context"

	"github.com/chengis/chengis/internal/domain/pipeline"
)

// ConfigLoader loads a pipeline definition from an external source: a
// workspace EDN file, a workspace YAML file, or the job's stored pipeline
// document. Implementations must be deterministic, respect context
// cancellation, and translate infrastructure failures into
// internal/cherrors codes.
//
// Error mapping expectations:
//   - io/fs.ErrNotExist -> cherrors.CodeNotFound
//   - syntax failures -> cherrors.CodeValidation
//   - schema failures -> the error returned by pipeline.Pipeline.Validate
//   - context cancellation/deadline -> ctx.Err(), returned as is
//   - unexpected I/O issues -> cherrors.CodeInternal with wrapped cause
type ConfigLoader interface {
	// Load materializes a fully validated pipeline from the provided
	// location (a file path for EDN/YAML, or a job id for the stored form).
	Load(ctx context.Context, location string) (*pipeline.Pipeline, error)

	// Validate checks the document at location the same way Load does,
	// returning only the error.
	Validate(ctx context.Context, location string) error
}

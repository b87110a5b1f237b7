// Package artifact implements ports.ArtifactHandler (spec.md §4.3 step 7):
// glob a workspace for the pipeline's artifact patterns and compute a
// content checksum for each match. Storage layout (where the bytes
// themselves end up) is an edge collaborator (spec.md §1's "artifact
// storage layout" exclusion); this package only produces the
// path/checksum/size triples the Build Runner hands off to it.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/ports"
)

// FilesystemHandler collects artifacts directly from a build's local
// workspace directory.
type FilesystemHandler struct{}

// NewFilesystemHandler constructs a FilesystemHandler.
func NewFilesystemHandler() *FilesystemHandler { return &FilesystemHandler{} }

// Collect implements ports.ArtifactHandler.
func (h *FilesystemHandler) Collect(ctx context.Context, buildID, workspacePath string, patterns []string) ([]ports.ArtifactRef, error) {
	seen := make(map[string]struct{})
	var refs []ports.ArtifactRef

	for _, pattern := range patterns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		matches, err := filepath.Glob(filepath.Join(workspacePath, pattern))
		if err != nil {
			return nil, cherrors.Wrap(cherrors.CodeValidation, "invalid artifact glob pattern", err).WithContext(map[string]interface{}{"pattern": pattern})
		}
		for _, match := range matches {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}

			info, err := os.Stat(match)
			if err != nil {
				return nil, cherrors.Wrap(cherrors.CodeInternal, "stat artifact", err).WithContext(map[string]interface{}{"path": match})
			}
			if info.IsDir() {
				continue
			}

			ref, err := h.describe(match, info)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (h *FilesystemHandler) describe(path string, info os.FileInfo) (ports.ArtifactRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return ports.ArtifactRef{}, cherrors.Wrap(cherrors.CodeInternal, "open artifact", err).WithContext(map[string]interface{}{"path": path})
	}
	defer f.Close()

	h2 := sha256.New()
	if _, err := io.Copy(h2, f); err != nil {
		return ports.ArtifactRef{}, cherrors.Wrap(cherrors.CodeInternal, "checksum artifact", err).WithContext(map[string]interface{}{"path": path})
	}

	return ports.ArtifactRef{
		Path:     path,
		Checksum: "sha256:" + hex.EncodeToString(h2.Sum(nil)),
		SizeByte: info.Size(),
	}, nil
}

var _ ports.ArtifactHandler = (*FilesystemHandler)(nil)

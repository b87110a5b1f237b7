// Package scm implements ports.SCMCheckout (spec.md §4.3 step 2) over
// go-git: PlainCloneContext against the requested ReferenceName, then
// Head().Hash() to capture the resolved commit as a full SHA. Always a fresh clone per
// build, since a build's workspace is always new (spec.md §4.3 step 1
// acquires an isolated workspace per build id).
package scm

import (
	"context"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/ports"
)

// GitCheckout clones a ref into a build's workspace and reports the
// resolved commit SHA.
type GitCheckout struct {
	Depth int // 0 = full history
}

// NewGitCheckout constructs a GitCheckout. depth <= 0 means full history.
func NewGitCheckout(depth int) *GitCheckout {
	return &GitCheckout{Depth: depth}
}

// Checkout implements ports.SCMCheckout.
func (c *GitCheckout) Checkout(ctx context.Context, workspacePath, repoURL, ref string) (string, error) {
	opts := &git.CloneOptions{URL: repoURL}
	if c.Depth > 0 {
		opts.Depth = c.Depth
	}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, workspacePath, false, opts)
	if err != nil {
		return "", cherrors.Wrap(cherrors.CodeInternal, "clone repository", err).WithContext(map[string]interface{}{
			"repo_url": repoURL, "ref": ref,
		})
	}

	head, err := repo.Head()
	if err != nil {
		return "", cherrors.Wrap(cherrors.CodeInternal, "resolve checked-out HEAD", err)
	}
	return head.Hash().String(), nil
}

var _ ports.SCMCheckout = (*GitCheckout)(nil)

package ports

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/domain/build"
)

// PolicyDecision is the outcome of evaluating one policy against a stage or
// step. Severity below "block" is advisory and never fails execution.
type PolicyDecision struct {
	Allowed  bool
	Severity string // "info" | "warn" | "block"
	Reason   string
}

// PolicyEngine evaluates governance policies attached to a stage (spec.md
// §4.1 step 3) or an image/tool reference (spec.md §4.2, Docker/IaC
// executors). The core only depends on this narrow contract; policy
// authoring, storage, and the full rule language are edge collaborators
// (spec.md §1 scope).
type PolicyEngine interface {
	EvaluateStage(ctx context.Context, bc *build.Context, stageName string) (PolicyDecision, error)
	EvaluateImage(ctx context.Context, bc *build.Context, image string) (PolicyDecision, error)
}

// ApprovalWaiter blocks a gate stage until a human decision arrives, is
// rejected, times out, or the build is cancelled. Concrete resolution
// (who can approve, how responses are collected) lives behind the HTTP/UI
// surface; the core only needs to wait on the outcome.
type ApprovalWaiter interface {
	// Await blocks until the gate identified by (buildID, stageName)
	// resolves, or ctx is cancelled. Implementations register the gate with
	// the given deadline if it does not already exist.
	Await(ctx context.Context, gate build.ApprovalGate) (build.ApprovalStatus, error)
}

// SCMCheckout fetches a build's source into its workspace and reports the
// resolved commit metadata.
type SCMCheckout interface {
	Checkout(ctx context.Context, workspacePath, repoURL, ref string) (commitSHA string, err error)
}

// SecretBackend resolves secret values for a build, merging global-scope
// secrets with job-scope secrets (job wins) per spec.md §4.3 step 4. The
// return is the resolved key/value map; callers derive the mask-values set
// (values, not keys) from it themselves.
type SecretBackend interface {
	Resolve(ctx context.Context, orgID, jobID string) (map[string]string, error)
}

// ArtifactHandler globs a workspace for patterns and computes content
// checksums, persisting the result so it can be retrieved later. Storage
// layout is an edge collaborator (spec.md §1); this interface is only the
// shape the Build Runner calls into.
type ArtifactHandler interface {
	Collect(ctx context.Context, buildID, workspacePath string, patterns []string) ([]ArtifactRef, error)
}

// ArtifactRef is one collected artifact.
type ArtifactRef struct {
	Path     string
	Checksum string
	SizeByte int64
}

// Notifier delivers a build's final outcome to a notify target (Slack,
// email, webhook, ...). Target resolution and delivery plumbing are edge
// collaborators; the core only needs to fire-and-forget-with-error through
// this contract.
type Notifier interface {
	Notify(ctx context.Context, target string, b build.Build) error
}

// AgentDispatcher delivers a build payload to a remote agent's HTTP build
// endpoint. The Dispatcher and Queue Processor both call through this
// narrow contract (spec.md §4.6 step 4, §4.7 step 5); connection pooling,
// auth headers, and retries below the HTTP layer are edge concerns.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, agent build.Agent, buildID string, payload []byte) error
}

// StepExecutorDefaults carries the fallback timeout the Step Executor
// Registry applies when a step definition leaves Timeout unset.
type StepExecutorDefaults struct {
	DefaultTimeout time.Duration
}

// MatrixLimits carries the system-configured default cap used when a
// pipeline's matrix strategy does not declare its own MaxCombinations.
type MatrixLimits struct {
	DefaultMaxCombinations int
}

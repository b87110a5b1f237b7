package ports

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/domain/build"
)

// JobStore resolves a Job by id, the thin read contract the runner and
// dispatcher need from the jobs table (spec.md §6 schema).
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (build.Job, error)
	NextBuildNumber(ctx context.Context, jobID string) (int, error)
}

// BuildStore persists a build attempt and its stage/step runs. The schema
// behind it (spec.md §6) supports two dialects; this interface is the only
// surface the core touches.
type BuildStore interface {
	CreateBuild(ctx context.Context, b build.Build) error
	UpdateBuild(ctx context.Context, b build.Build) error
	GetBuild(ctx context.Context, buildID string) (build.Build, error)
	RecordStageRun(ctx context.Context, run build.StageRun) error
	RecordStepRun(ctx context.Context, run build.StepRun) error
}

// QueueStore is the storage-layer contract the Durable Build Queue
// (internal/queue) builds its retry/backoff/dequeue semantics on top of.
// CompareAndSwapStatus must be an atomic, conditional update keyed on the
// item's expected current status (spec.md §4.4's "transactional conditional
// update"), so two concurrent dequeuers can never both win the same item.
type QueueStore interface {
	Insert(ctx context.Context, item build.QueueItem) error
	Get(ctx context.Context, itemID string) (build.QueueItem, error)
	OldestReady(ctx context.Context, now time.Time) (build.QueueItem, bool, error)
	CompareAndSwapStatus(ctx context.Context, itemID string, expected, next build.QueueStatus, mutate func(*build.QueueItem)) (bool, error)
	ListByStatusAndAgent(ctx context.Context, status build.QueueStatus, agentID string) ([]build.QueueItem, error)
	Count(ctx context.Context, status build.QueueStatus) (int, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LeaderStore backs internal/leader's advisory lock. AlwaysAcquire
// implementations (the development store) report true unconditionally, per
// spec.md §4.12's single-process assumption.
type LeaderStore interface {
	TryAcquire(ctx context.Context, lockID string) (bool, error)
	Release(ctx context.Context, lockID string) error
}

// Package queue is the Durable Build Queue (spec.md §4.4): a persistent
// FIFO-with-retry for builds awaiting remote dispatch. The transition logic
// (retry-vs-dead-letter branching, exponential backoff, bounded contention
// retry) lives here, storage-agnostic over ports.QueueStore; concrete
// dialects live in internal/store. Each enqueue/dequeue/mark_* operation
// composes one conditional store update.
package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// Config carries the retry/backoff tunables.
type Config struct {
	MaxDequeueAttempts int
	DequeueBackoffBase time.Duration
	RetryBackoffBase   time.Duration
}

// Queue implements the Durable Build Queue against a ports.QueueStore.
type Queue struct {
	store  ports.QueueStore
	cfg    Config
	logger ports.Logger
}

// NewQueue constructs a Queue.
func NewQueue(store ports.QueueStore, cfg Config, logger ports.Logger) *Queue {
	if cfg.MaxDequeueAttempts <= 0 {
		cfg.MaxDequeueAttempts = 5
	}
	if cfg.DequeueBackoffBase <= 0 {
		cfg.DequeueBackoffBase = 20 * time.Millisecond
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	return &Queue{store: store, cfg: cfg, logger: logger}
}

// Enqueue inserts a new pending queue item for buildID.
func (q *Queue) Enqueue(ctx context.Context, buildID, jobID, orgID string, payload []byte, labels []string, maxRetries int) (build.QueueItem, error) {
	item := build.QueueItem{
		ID:             uuid.NewString(),
		BuildID:        buildID,
		JobID:          jobID,
		OrgID:          orgID,
		Payload:        payload,
		RequiredLabels: labels,
		Status:         build.QueuePending,
		MaxRetries:     maxRetries,
		CreatedAt:      time.Now(),
	}
	if err := q.store.Insert(ctx, item); err != nil {
		return build.QueueItem{}, cherrors.Wrap(cherrors.CodeInternal, "enqueue build", err)
	}
	return item, nil
}

// DequeueNext atomically selects the oldest pending (or ready-for-retry)
// item and transitions it to dispatching. Under storage contention it
// retries with bounded exponential backoff, per spec.md §4.4.
func (q *Queue) DequeueNext(ctx context.Context) (build.QueueItem, bool, error) {
	var last error
	for attempt := 0; attempt < q.cfg.MaxDequeueAttempts; attempt++ {
		item, found, err := q.store.OldestReady(ctx, time.Now())
		if err != nil {
			return build.QueueItem{}, false, cherrors.Wrap(cherrors.CodeInternal, "peek oldest ready queue item", err)
		}
		if !found {
			return build.QueueItem{}, false, nil
		}

		now := time.Now()
		ok, err := q.store.CompareAndSwapStatus(ctx, item.ID, item.Status, build.QueueDispatching, func(i *build.QueueItem) {
			i.DispatchingSince = &now
			i.DispatchToken = uuid.NewString()
		})
		if err != nil {
			return build.QueueItem{}, false, cherrors.Wrap(cherrors.CodeStorageContention, "dequeue conditional update failed", err)
		}
		if ok {
			item.Status = build.QueueDispatching
			item.DispatchingSince = &now
			return item, true, nil
		}

		// Another dequeuer won the race; back off and retry against a fresh
		// view rather than fighting for the same item again immediately.
		last = cherrors.New(cherrors.CodeStorageContention, "lost dequeue race")
		select {
		case <-ctx.Done():
			return build.QueueItem{}, false, ctx.Err()
		case <-time.After(backoff(q.cfg.DequeueBackoffBase, attempt)):
		}
	}
	return build.QueueItem{}, false, cherrors.Wrap(cherrors.CodeStorageContention, "dequeue exhausted retry budget", last)
}

// MarkDispatched transitions item to dispatched, recording the agent.
func (q *Queue) MarkDispatched(ctx context.Context, itemID, agentID string) error {
	ok, err := q.store.CompareAndSwapStatus(ctx, itemID, build.QueueDispatching, build.QueueDispatched, func(i *build.QueueItem) {
		i.AssignedAgentID = &agentID
		i.DispatchingSince = nil
	})
	return wrapTransitionErr(ok, err, "mark dispatched")
}

// MarkCompleted transitions item to completed.
func (q *Queue) MarkCompleted(ctx context.Context, itemID string) error {
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeNotFound, "mark completed: lookup item", err)
	}
	ok, err := q.store.CompareAndSwapStatus(ctx, itemID, item.Status, build.QueueCompleted, func(*build.QueueItem) {})
	return wrapTransitionErr(ok, err, "mark completed")
}

// MarkCompletedByBuildID is the same operation keyed by the build rather
// than the queue item, for agent-reported completions that only know their
// own build id.
func (q *Queue) MarkCompletedByBuildID(ctx context.Context, buildID string) error {
	items, err := q.store.ListByStatusAndAgent(ctx, build.QueueDispatched, "")
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "mark completed by build id: list dispatched", err)
	}
	for _, item := range items {
		if item.BuildID == buildID {
			return q.MarkCompleted(ctx, item.ID)
		}
	}
	return cherrors.New(cherrors.CodeNotFound, "no dispatched queue item for build").WithContext(map[string]interface{}{"build_id": buildID})
}

// FailBranch reports which branch MarkFailed took.
type FailBranch string

const (
	FailRetried    FailBranch = "retried"
	FailDeadLetter FailBranch = "dead_letter"
)

// MarkFailed records an error against item, retrying it (with backoff) if
// its retry budget allows, or moving it to dead_letter otherwise.
func (q *Queue) MarkFailed(ctx context.Context, itemID, errMsg string) (FailBranch, error) {
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		return "", cherrors.Wrap(cherrors.CodeNotFound, "mark failed: lookup item", err)
	}

	if item.RetryCount+1 > item.MaxRetries {
		ok, err := q.store.CompareAndSwapStatus(ctx, itemID, item.Status, build.QueueDeadLetter, func(i *build.QueueItem) {
			i.LastError = errMsg
		})
		if err := wrapTransitionErr(ok, err, "mark dead letter"); err != nil {
			return "", err
		}
		return FailDeadLetter, nil
	}

	nextRetry := time.Now().Add(backoff(q.cfg.RetryBackoffBase, item.RetryCount))
	ok, err := q.store.CompareAndSwapStatus(ctx, itemID, item.Status, build.QueuePending, func(i *build.QueueItem) {
		i.RetryCount++
		i.LastError = errMsg
		i.NextRetryAt = &nextRetry
		i.AssignedAgentID = nil
		i.DispatchingSince = nil
	})
	if err := wrapTransitionErr(ok, err, "mark failed retry"); err != nil {
		return "", err
	}
	return FailRetried, nil
}

// RequeueForAgent bulk-transitions every item dispatched to agentID back to
// pending (orphan recovery), subject to each item's retry budget.
func (q *Queue) RequeueForAgent(ctx context.Context, agentID string) (requeued, deadLettered int, err error) {
	items, err := q.store.ListByStatusAndAgent(ctx, build.QueueDispatched, agentID)
	if err != nil {
		return 0, 0, cherrors.Wrap(cherrors.CodeInternal, "requeue for agent: list dispatched", err)
	}
	for _, item := range items {
		if item.RetryCount+1 > item.MaxRetries {
			ok, casErr := q.store.CompareAndSwapStatus(ctx, item.ID, item.Status, build.QueueDeadLetter, func(i *build.QueueItem) {
				i.LastError = "agent orphaned: retry budget exhausted"
			})
			if casErr == nil && ok {
				deadLettered++
			}
			continue
		}
		nextRetry := time.Now().Add(backoff(q.cfg.RetryBackoffBase, item.RetryCount))
		ok, casErr := q.store.CompareAndSwapStatus(ctx, item.ID, item.Status, build.QueuePending, func(i *build.QueueItem) {
			i.RetryCount++
			i.AssignedAgentID = nil
			i.NextRetryAt = &nextRetry
			i.LastError = "agent orphaned"
		})
		if casErr == nil && ok {
			requeued++
		}
	}
	return requeued, deadLettered, nil
}

// RequeueStuckDispatching resolves spec.md §9 open question (a): an item
// can accept a dispatch but never actually start running if the agent
// crashed between accepting the HTTP POST and reporting back, or if the
// master crashed between CompareAndSwapStatus(pending->dispatching) and
// the dispatch HTTP call. Any item still in dispatching after olderThan
// has the same fate as an orphaned agent's work: requeue within its retry
// budget, else dead-letter.
func (q *Queue) RequeueStuckDispatching(ctx context.Context, olderThan time.Duration) (requeued, deadLettered int, err error) {
	items, err := q.store.ListByStatusAndAgent(ctx, build.QueueDispatching, "")
	if err != nil {
		return 0, 0, cherrors.Wrap(cherrors.CodeInternal, "requeue stuck dispatching: list", err)
	}
	cutoff := time.Now().Add(-olderThan)
	for _, item := range items {
		if item.DispatchingSince == nil || item.DispatchingSince.After(cutoff) {
			continue
		}
		if item.RetryCount+1 > item.MaxRetries {
			ok, casErr := q.store.CompareAndSwapStatus(ctx, item.ID, item.Status, build.QueueDeadLetter, func(i *build.QueueItem) {
				i.LastError = "stuck in dispatching: retry budget exhausted"
				i.DispatchingSince = nil
			})
			if casErr == nil && ok {
				deadLettered++
			}
			continue
		}
		nextRetry := time.Now().Add(backoff(q.cfg.RetryBackoffBase, item.RetryCount))
		ok, casErr := q.store.CompareAndSwapStatus(ctx, item.ID, item.Status, build.QueuePending, func(i *build.QueueItem) {
			i.RetryCount++
			i.AssignedAgentID = nil
			i.NextRetryAt = &nextRetry
			i.LastError = "stuck in dispatching beyond soft timeout"
			i.DispatchingSince = nil
		})
		if casErr == nil && ok {
			requeued++
		}
	}
	return requeued, deadLettered, nil
}

// GetQueueDepth returns the number of pending items.
func (q *Queue) GetQueueDepth(ctx context.Context) (int, error) {
	n, err := q.store.Count(ctx, build.QueuePending)
	if err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "count pending queue items", err)
	}
	return n, nil
}

// GetOldestPendingAgeMS returns the age, in milliseconds, of the oldest
// pending item, or zero if the queue is empty.
func (q *Queue) GetOldestPendingAgeMS(ctx context.Context) (int64, error) {
	item, found, err := q.store.OldestReady(ctx, time.Now())
	if err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "peek oldest pending queue item", err)
	}
	if !found || item.CreatedAt.IsZero() {
		return 0, nil
	}
	return time.Since(item.CreatedAt).Milliseconds(), nil
}

// CleanupCompleted removes completed items older than retentionHours.
func (q *Queue) CleanupCompleted(ctx context.Context, retentionHours int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)
	n, err := q.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "cleanup completed queue items", err)
	}
	return n, nil
}

func wrapTransitionErr(ok bool, err error, op string) error {
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, op, err)
	}
	if !ok {
		return cherrors.New(cherrors.CodeConflict, op+": item status changed concurrently")
	}
	return nil
}

// backoff returns a jittered exponential backoff duration for the given
// attempt/retry count, capped to avoid pathological sleeps.
func backoff(base time.Duration, attempt int) time.Duration {
	capped := math.Min(float64(attempt), 8)
	d := base * time.Duration(math.Pow(2, capped))
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return d + jitter
}

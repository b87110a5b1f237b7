// Package pgstore is the production dialect of spec.md §6's storage layer,
// backed by PostgreSQL through jackc/pgx/v5's connection pool.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
)

// Store implements ports.JobStore, ports.BuildStore, ports.QueueStore,
// ports.LeaderStore, and eventbus.Store against a PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store. Migrations are applied
// separately (see pgstore/migrations) before first use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "connect to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "ping postgres", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func wrapNotFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return cherrors.New(cherrors.CodeNotFound, msg)
	}
	return cherrors.Wrap(cherrors.CodeInternal, msg, err)
}

// --- ports.JobStore ---

func (s *Store) GetJob(ctx context.Context, jobID string) (build.Job, error) {
	var j build.Job
	var labels, schema []byte
	row := s.pool.QueryRow(ctx, `select id, org_id, name, pipeline_source, required_labels, parameter_schema, default_branch from jobs where id = $1`, jobID)
	if err := row.Scan(&j.ID, &j.OrgID, &j.Name, &j.PipelineSource, &labels, &schema, &j.DefaultBranch); err != nil {
		return build.Job{}, wrapNotFound(err, "get job")
	}
	_ = json.Unmarshal(labels, &j.RequiredLabels)
	_ = json.Unmarshal(schema, &j.ParameterSchema)
	return j, nil
}

func (s *Store) NextBuildNumber(ctx context.Context, jobID string) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `
		insert into job_build_counters (job_id, last_number) values ($1, 1)
		on conflict (job_id) do update set last_number = job_build_counters.last_number + 1
		returning last_number`, jobID)
	if err := row.Scan(&n); err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "next build number", err)
	}
	return n, nil
}

// --- ports.BuildStore ---

func (s *Store) CreateBuild(ctx context.Context, b build.Build) error {
	bindings, _ := json.Marshal(b.ParameterBindings)
	_, err := s.pool.Exec(ctx, `
		insert into builds (id, job_id, org_id, number, status, trigger, parameter_bindings, workspace_path, created_at, attempt_number, root_build_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.JobID, b.OrgID, b.Number, b.Status, b.Trigger, bindings, b.WorkspacePath, b.CreatedAt, b.AttemptNumber, b.RootBuildID)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "create build", err)
	}
	return nil
}

func (s *Store) UpdateBuild(ctx context.Context, b build.Build) error {
	_, err := s.pool.Exec(ctx, `
		update builds set status=$2, started_at=$3, dispatched_at=$4, completed_at=$5, assigned_agent_id=$6, failure_reason=$7
		where id=$1`,
		b.ID, b.Status, b.StartedAt, b.DispatchedAt, b.CompletedAt, b.AssignedAgentID, b.FailureReason)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "update build", err)
	}
	return nil
}

func (s *Store) GetBuild(ctx context.Context, buildID string) (build.Build, error) {
	var b build.Build
	var bindings []byte
	row := s.pool.QueryRow(ctx, `
		select id, job_id, org_id, number, status, trigger, parameter_bindings, workspace_path, created_at,
		       started_at, dispatched_at, completed_at, assigned_agent_id, attempt_number, root_build_id, failure_reason
		from builds where id = $1`, buildID)
	if err := row.Scan(&b.ID, &b.JobID, &b.OrgID, &b.Number, &b.Status, &b.Trigger, &bindings, &b.WorkspacePath, &b.CreatedAt,
		&b.StartedAt, &b.DispatchedAt, &b.CompletedAt, &b.AssignedAgentID, &b.AttemptNumber, &b.RootBuildID, &b.FailureReason); err != nil {
		return build.Build{}, wrapNotFound(err, "get build")
	}
	_ = json.Unmarshal(bindings, &b.ParameterBindings)
	return b, nil
}

func (s *Store) RecordStageRun(ctx context.Context, run build.StageRun) error {
	_, err := s.pool.Exec(ctx, `
		insert into build_stage_runs (build_id, name, ordinal, status, is_gate, started_at, completed_at, fail_reason)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.BuildID, run.Name, run.Ordinal, run.Status, run.IsGate, run.StartedAt, run.CompletedAt, run.FailReason)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "record stage run", err)
	}
	return nil
}

func (s *Store) RecordStepRun(ctx context.Context, run build.StepRun) error {
	_, err := s.pool.Exec(ctx, `
		insert into build_step_runs (build_id, stage_name, step_id, ordinal, status, exit_code, timed_out, tool_missing, started_at, completed_at, stdout, stderr, err)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.BuildID, run.StageName, run.StepID, run.Ordinal, run.Status, run.ExitCode, run.TimedOut, run.ToolMissing, run.StartedAt, run.CompletedAt, run.Stdout, run.Stderr, run.Err)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "record step run", err)
	}
	return nil
}

// BuildsAssignedToAgent implements orphanmonitor.BuildLookup.
func (s *Store) BuildsAssignedToAgent(ctx context.Context, agentID string) ([]build.Build, error) {
	rows, err := s.pool.Query(ctx, `
		select id, job_id, org_id, number, status, trigger, parameter_bindings, workspace_path, created_at,
		       started_at, dispatched_at, completed_at, assigned_agent_id, attempt_number, root_build_id, failure_reason
		from builds where assigned_agent_id = $1 and status not in ('success','failure','aborted','orphaned')`, agentID)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "builds assigned to agent", err)
	}
	defer rows.Close()

	var out []build.Build
	for rows.Next() {
		var b build.Build
		var bindings []byte
		if err := rows.Scan(&b.ID, &b.JobID, &b.OrgID, &b.Number, &b.Status, &b.Trigger, &bindings, &b.WorkspacePath, &b.CreatedAt,
			&b.StartedAt, &b.DispatchedAt, &b.CompletedAt, &b.AssignedAgentID, &b.AttemptNumber, &b.RootBuildID, &b.FailureReason); err != nil {
			return nil, cherrors.Wrap(cherrors.CodeInternal, "scan build row", err)
		}
		_ = json.Unmarshal(bindings, &b.ParameterBindings)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- ports.QueueStore ---

func (s *Store) Insert(ctx context.Context, item build.QueueItem) error {
	_, err := s.pool.Exec(ctx, `
		insert into build_queue (id, build_id, job_id, org_id, payload, required_labels, status, retry_count, max_retries, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		item.ID, item.BuildID, item.JobID, item.OrgID, item.Payload, item.RequiredLabels, item.Status, item.RetryCount, item.MaxRetries, item.CreatedAt)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "insert queue item", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, itemID string) (build.QueueItem, error) {
	item, err := s.scanQueueItem(s.pool.QueryRow(ctx, queueSelect+` where id = $1`, itemID))
	if err != nil {
		return build.QueueItem{}, wrapNotFound(err, "get queue item")
	}
	return item, nil
}

const queueSelect = `
	select id, build_id, job_id, org_id, payload, required_labels, status, assigned_agent_id,
	       retry_count, max_retries, last_error, created_at, next_retry_at, dispatching_since, dispatch_token
	from build_queue`

func (s *Store) scanQueueItem(row pgx.Row) (build.QueueItem, error) {
	var item build.QueueItem
	if err := row.Scan(&item.ID, &item.BuildID, &item.JobID, &item.OrgID, &item.Payload, &item.RequiredLabels, &item.Status,
		&item.AssignedAgentID, &item.RetryCount, &item.MaxRetries, &item.LastError, &item.CreatedAt, &item.NextRetryAt,
		&item.DispatchingSince, &item.DispatchToken); err != nil {
		return build.QueueItem{}, err
	}
	return item, nil
}

func (s *Store) OldestReady(ctx context.Context, now time.Time) (build.QueueItem, bool, error) {
	row := s.pool.QueryRow(ctx, queueSelect+`
		where status = 'pending' and (next_retry_at is null or next_retry_at <= $1)
		order by created_at asc limit 1`, now)
	item, err := s.scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return build.QueueItem{}, false, nil
		}
		return build.QueueItem{}, false, cherrors.Wrap(cherrors.CodeInternal, "oldest ready queue item", err)
	}
	return item, true, nil
}

// CompareAndSwapStatus locks the item's row with SELECT ... FOR UPDATE
// inside a transaction and writes only when the locked row still has the
// expected status, so of two concurrent callers racing the same item the
// second blocks until the first commits, then sees the new status and
// reports false.
func (s *Store) CompareAndSwapStatus(ctx context.Context, itemID string, expected, next build.QueueStatus, mutate func(*build.QueueItem)) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, cherrors.Wrap(cherrors.CodeStorageContention, "begin cas transaction", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, queueSelect+` where id = $1 for update`, itemID)
	item, err := s.scanQueueItem(row)
	if err != nil {
		return false, wrapNotFound(err, "cas: lookup item")
	}
	if item.Status != expected {
		return false, nil
	}
	item.Status = next
	if mutate != nil {
		mutate(&item)
	}

	_, err = tx.Exec(ctx, `
		update build_queue set status=$2, assigned_agent_id=$3, retry_count=$4, last_error=$5,
		       next_retry_at=$6, dispatching_since=$7, dispatch_token=$8
		where id=$1 and status=$9`,
		itemID, item.Status, item.AssignedAgentID, item.RetryCount, item.LastError,
		item.NextRetryAt, item.DispatchingSince, item.DispatchToken, expected)
	if err != nil {
		return false, cherrors.Wrap(cherrors.CodeStorageContention, "cas update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, cherrors.Wrap(cherrors.CodeStorageContention, "commit cas transaction", err)
	}
	return true, nil
}

func (s *Store) ListByStatusAndAgent(ctx context.Context, status build.QueueStatus, agentID string) ([]build.QueueItem, error) {
	query := queueSelect + ` where status = $1`
	args := []interface{}{status}
	if agentID != "" {
		query += ` and assigned_agent_id = $2`
		args = append(args, agentID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "list queue items by status", err)
	}
	defer rows.Close()

	var out []build.QueueItem
	for rows.Next() {
		item, err := s.scanQueueItem(rows)
		if err != nil {
			return nil, cherrors.Wrap(cherrors.CodeInternal, "scan queue item row", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, status build.QueueStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `select count(*) from build_queue where status = $1`, status).Scan(&n); err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "count queue items", err)
	}
	return n, nil
}

func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `delete from build_queue where status = 'completed' and created_at < $1`, cutoff)
	if err != nil {
		return 0, cherrors.Wrap(cherrors.CodeInternal, "cleanup completed queue items", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- ports.LeaderStore ---
// pg_try_advisory_lock hashes lockID to a 64-bit key; the session holding
// it is this pool connection, so the lock is released either explicitly or
// when that connection closes, giving us crash-safety for free.

func (s *Store) TryAcquire(ctx context.Context, lockID string) (bool, error) {
	var acquired bool
	if err := s.pool.QueryRow(ctx, `select pg_try_advisory_lock(hashtext($1))`, lockID).Scan(&acquired); err != nil {
		return false, cherrors.Wrap(cherrors.CodeInternal, "try advisory lock", err)
	}
	return acquired, nil
}

func (s *Store) Release(ctx context.Context, lockID string) error {
	if _, err := s.pool.Exec(ctx, `select pg_advisory_unlock(hashtext($1))`, lockID); err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "release advisory lock", err)
	}
	return nil
}

// --- eventbus.Store ---

func (s *Store) Append(ctx context.Context, event build.BuildEvent) error {
	payload, _ := json.Marshal(event.Payload)
	_, err := s.pool.Exec(ctx, `
		insert into build_events (id, build_id, type, stage_name, step_id, payload, emitted_at)
		values ($1,$2,$3,$4,$5,$6,$7)`,
		event.ID, event.BuildID, event.Type, event.StageName, event.StepID, payload, event.EmittedAt)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "append build event", err)
	}
	return nil
}

func (s *Store) Replay(ctx context.Context, buildID string, sinceID int64, limit int) ([]build.BuildEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		select id, build_id, type, stage_name, step_id, payload, emitted_at
		from build_events where build_id = $1 and id > $2 order by id asc limit $3`, buildID, sinceID, limit)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "replay build events", err)
	}
	defer rows.Close()

	var out []build.BuildEvent
	for rows.Next() {
		var e build.BuildEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Type, &e.StageName, &e.StepID, &payload, &e.EmittedAt); err != nil {
			return nil, cherrors.Wrap(cherrors.CodeInternal, "scan build event row", err)
		}
		_ = json.Unmarshal(payload, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

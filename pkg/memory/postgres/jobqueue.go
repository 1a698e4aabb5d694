package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmemory/memoryd/pkg/memory"
)

// isDuplicateKeyError reports whether err is a PostgreSQL unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// dedupKey returns the job's idempotency key — (artifact_revision_id, stage) —
// or "" for jobs not scoped to a single revision, which are left unconstrained.
func dedupKey(job memory.Job) string {
	revisionID, _ := job.Payload["artifact_revision_id"].(string)
	if revisionID == "" {
		return ""
	}
	return revisionID + ":" + string(job.Stage)
}

// JobQueueImpl is the asynchronous work queue backed by a PostgreSQL jobs
// table. Claiming uses `FOR UPDATE SKIP LOCKED` so that concurrent workers
// never block on, or double-process, the same row.
//
// Obtain one via [Store.Queue] rather than constructing directly.
// All methods are safe for concurrent use.
type JobQueueImpl struct {
	pool *pgxpool.Pool
}

// Enqueue implements [memory.JobQueue]. Jobs are deduplicated on
// (artifact_revision_id, stage): enqueueing a job that already has a pending,
// leased, or completed counterpart for the same revision and stage is a
// silent no-op, per the pipeline's at-least-once delivery contract.
func (s *JobQueueImpl) Enqueue(ctx context.Context, job memory.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("job queue: enqueue: marshal payload: %w", err)
	}

	const q = `
		INSERT INTO jobs (id, stage, dedup_key, payload, status, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`

	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	status := job.Status
	if status == "" {
		status = memory.JobStatusPending
	}

	key := dedupKey(job)
	var keyArg any
	if key != "" {
		keyArg = key
	}

	_, err = s.pool.Exec(ctx, q, job.ID, job.Stage, keyArg, payload, status, job.Attempts, availableAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("job queue: enqueue: %w", err)
	}
	return nil
}

// Claim implements [memory.JobQueue]. It atomically selects one eligible
// pending job for stage using `FOR UPDATE SKIP LOCKED`, so that concurrent
// workers racing this query each get a distinct row (or none).
func (s *JobQueueImpl) Claim(ctx context.Context, stage memory.JobStage, workerID string, leaseDuration time.Duration) (*memory.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("job queue: claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectQ = `
		SELECT id, stage, payload, status, attempts, available_at, leased_until, leased_by, last_error, created_at, updated_at
		FROM   jobs
		WHERE  stage = $1
		  AND  status = $2
		  AND  available_at <= now()
		ORDER  BY available_at
		LIMIT  1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectQ, stage, memory.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("job queue: claim: select: %w", err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("job queue: claim: scan: %w", err)
	}

	leasedUntil := time.Now().Add(leaseDuration)
	const updateQ = `
		UPDATE jobs
		SET    status = $2, attempts = attempts + 1, leased_until = $3, leased_by = $4, updated_at = now()
		WHERE  id = $1`
	if _, err := tx.Exec(ctx, updateQ, job.ID, memory.JobStatusLeased, leasedUntil, workerID); err != nil {
		return nil, fmt.Errorf("job queue: claim: lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("job queue: claim: commit: %w", err)
	}

	job.Status = memory.JobStatusLeased
	job.Attempts++
	job.LeasedUntil = &leasedUntil
	job.LeasedBy = workerID
	return &job, nil
}

func scanJob(row pgx.CollectableRow) (memory.Job, error) {
	var (
		j       memory.Job
		payload []byte
	)
	if err := row.Scan(&j.ID, &j.Stage, &payload, &j.Status, &j.Attempts, &j.AvailableAt, &j.LeasedUntil, &j.LeasedBy, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return memory.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return memory.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return j, nil
}

// Complete implements [memory.JobQueue].
func (s *JobQueueImpl) Complete(ctx context.Context, jobID string) error {
	const q = `UPDATE jobs SET status = $2, leased_until = NULL, leased_by = '', updated_at = now() WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, jobID, memory.JobStatusDone)
	if err != nil {
		return fmt.Errorf("job queue: complete: %w", err)
	}
	return nil
}

// Fail implements [memory.JobQueue]. The caller supplies nextAttempt
// (computed with the pipeline's backoff policy) and the job always returns
// to pending; an exhausted job is moved to dead by [JobQueueImpl.MarkDead],
// not by Fail. Fail returns an error for an unknown jobID.
func (s *JobQueueImpl) Fail(ctx context.Context, jobID string, cause error, nextAttempt time.Time) error {
	const maxAttemptsQ = `SELECT attempts FROM jobs WHERE id = $1`
	var attempts int
	if err := s.pool.QueryRow(ctx, maxAttemptsQ, jobID).Scan(&attempts); err != nil {
		return fmt.Errorf("job queue: fail: read attempts: %w", err)
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	const q = `
		UPDATE jobs
		SET    status = $2, available_at = $3, leased_until = NULL, leased_by = '', last_error = $4, updated_at = now()
		WHERE  id = $1`

	_, err := s.pool.Exec(ctx, q, jobID, memory.JobStatusPending, nextAttempt, errMsg)
	if err != nil {
		return fmt.Errorf("job queue: fail: %w", err)
	}
	return nil
}

// MarkDead transitions jobID to [memory.JobStatusDead], used once the
// caller's retry policy has exhausted its max-attempts budget.
func (s *JobQueueImpl) MarkDead(ctx context.Context, jobID string, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	const q = `UPDATE jobs SET status = $2, leased_until = NULL, leased_by = '', last_error = $3, updated_at = now() WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, jobID, memory.JobStatusDead, errMsg)
	if err != nil {
		return fmt.Errorf("job queue: mark dead: %w", err)
	}
	return nil
}

// ReapExpiredLeases implements [memory.JobQueue]. Jobs whose lease expired
// without a Complete or Fail call (a crashed worker) are returned to pending
// so another worker can claim them.
func (s *JobQueueImpl) ReapExpiredLeases(ctx context.Context) (int, error) {
	const q = `
		UPDATE jobs
		SET    status = $1, leased_until = NULL, leased_by = '', updated_at = now()
		WHERE  status = $2
		  AND  leased_until < now()`

	tag, err := s.pool.Exec(ctx, q, memory.JobStatusPending, memory.JobStatusLeased)
	if err != nil {
		return 0, fmt.Errorf("job queue: reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Depth implements [memory.JobQueue].
func (s *JobQueueImpl) Depth(ctx context.Context, stage memory.JobStage) (int, error) {
	const q = `SELECT count(*) FROM jobs WHERE stage = $1 AND status = $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, stage, memory.JobStatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("job queue: depth: %w", err)
	}
	return n, nil
}

// LeasedCount implements [memory.JobQueue].
func (s *JobQueueImpl) LeasedCount(ctx context.Context) (int, error) {
	const q = `SELECT count(*) FROM jobs WHERE status = $1`

	var n int
	if err := s.pool.QueryRow(ctx, q, memory.JobStatusLeased).Scan(&n); err != nil {
		return 0, fmt.Errorf("job queue: leased count: %w", err)
	}
	return n, nil
}

// Package jobqueue implements the persistent, typed work queue with
// worker leases, timeout reclamation, and retry policy (spec §4.2).
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// DefaultLeaseTimeout and DefaultMaxRetries mirror the spec's stated
// defaults; callers normally take these from config instead.
const (
	DefaultLeaseTimeout = 300 * time.Second
	DefaultMaxRetries   = 3
)

// Stats summarizes queue depth per status, for one notebook.
type Stats struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Queue is the job queue component.
type Queue struct {
	db           *sqlx.DB
	audit        *audit.Sink
	leaseTimeout time.Duration
	maxRetries   int
}

// New constructs a Queue.
func New(db *sqlx.DB, sink *audit.Sink, leaseTimeout time.Duration, maxRetries int) *Queue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{db: db, audit: sink, leaseTimeout: leaseTimeout, maxRetries: maxRetries}
}

// Enqueue inserts a new pending job. Used both by client-facing batch
// writes and, transactionally, by the pipeline orchestrator's follow-up
// enqueues — callers running inside an existing transaction should use
// EnqueueTx instead so the insert shares that transaction.
func (q *Queue) Enqueue(ctx context.Context, notebookID string, jobType domainmodel.JobType, payload interface{}) (*domainmodel.Job, error) {
	var job *domainmodel.Job
	err := dbpkg.WithSerializableTx(ctx, q.db, func(tx *sqlx.Tx) error {
		var err error
		job, err = q.EnqueueTx(ctx, tx, notebookID, jobType, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueTx inserts a new pending job using an already-open transaction,
// so it commits atomically with whatever caused it (spec §5: "a job's
// follow-ups either all appear or none appear").
func (q *Queue) EnqueueTx(ctx context.Context, tx *sqlx.Tx, notebookID string, jobType domainmodel.JobType, payload interface{}) (*domainmodel.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	job := &domainmodel.Job{
		ID:           uuid.NewString(),
		NotebookID:   notebookID,
		Type:         jobType,
		Payload:      raw,
		Status:       domainmodel.JobPending,
		LeaseTimeout: q.leaseTimeout,
		MaxRetries:   q.maxRetries,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, notebook_id, type, payload, status, lease_seconds, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, job.ID, job.NotebookID, string(job.Type), job.Payload, string(job.Status),
		int(q.leaseTimeout.Seconds()), q.maxRetries, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNext reclaims timed-out leases, then atomically claims the oldest
// pending job of notebookID (optionally filtered by jobType), assigning
// the lease to workerID/agentID. Returns (nil, nil) if no job is
// available.
func (q *Queue) ClaimNext(ctx context.Context, notebookID string, jobType *domainmodel.JobType, workerID string, agentID *string) (*domainmodel.Job, error) {
	if err := q.ReclaimTimedOut(ctx, notebookID); err != nil {
		return nil, err
	}

	var job *jobRow
	err := dbpkg.WithSerializableTx(ctx, q.db, func(tx *sqlx.Tx) error {
		query := `
			SELECT jobs.id, jobs.notebook_id, jobs.type, jobs.payload, jobs.status, jobs.worker_id, jobs.agent_id,
			       jobs.claimed_at, jobs.lease_seconds, jobs.retry_count, jobs.max_retries, jobs.last_error, jobs.created_at
			FROM jobs
		`
		args := []interface{}{notebookID}
		if agentID != nil {
			// Only offer this agent jobs whose notebook label it dominates
			// (spec §4.2: claim filters by agent label dominance).
			query += `
				JOIN notebooks ON notebooks.id = jobs.notebook_id
				JOIN agents ON agents.id = $2
			`
			args = append(args, *agentID)
		}
		query += " WHERE jobs.notebook_id = $1 AND jobs.status = 'pending'"
		if agentID != nil {
			query += " AND notebooks.classification <= agents.max_level AND notebooks.compartments <@ agents.compartments"
		}
		if jobType != nil {
			query += fmt.Sprintf(" AND jobs.type = $%d", len(args)+1)
			args = append(args, string(*jobType))
		}
		query += " ORDER BY jobs.created_at ASC LIMIT 1 FOR UPDATE OF jobs SKIP LOCKED"

		var row jobRow
		err := tx.GetContext(ctx, &row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'in_progress', worker_id = $1, agent_id = $2, claimed_at = $3
			WHERE id = $4
		`, workerID, agentID, now, row.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		row.Status = string(domainmodel.JobInProgress)
		row.WorkerID = sql.NullString{String: workerID, Valid: true}
		job = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return job.toDomain(), nil
}

// ReclaimTimedOut returns any in_progress job of notebookID whose lease
// has expired back to pending, leaving the retry counter unchanged
// (spec §4.2).
func (q *Queue) ReclaimTimedOut(ctx context.Context, notebookID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, agent_id = NULL, claimed_at = NULL
		WHERE notebook_id = $1
		  AND status = 'in_progress'
		  AND claimed_at + (lease_seconds * interval '1 second') < now()
	`, notebookID)
	if err != nil {
		return fmt.Errorf("reclaim timed out jobs: %w", err)
	}
	return nil
}

// Fail records a worker-reported failure. If the retry counter is still
// below the job's max, the job returns to pending with the counter
// incremented; otherwise it is marked failed with the error text
// retained (spec §4.2).
func (q *Queue) Fail(ctx context.Context, jobID, workerID, errText string) error {
	return dbpkg.WithSerializableTx(ctx, q.db, func(tx *sqlx.Tx) error {
		var row struct {
			RetryCount int    `db:"retry_count"`
			MaxRetries int    `db:"max_retries"`
			NotebookID string `db:"notebook_id"`
		}
		err := tx.GetContext(ctx, &row, `SELECT retry_count, max_retries, notebook_id FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return kerrors.NotFound("job", jobID)
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		if row.RetryCount < row.MaxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
				       worker_id = NULL, agent_id = NULL, claimed_at = NULL, last_error = $1
				WHERE id = $2
			`, errText, jobID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'failed', last_error = $1
				WHERE id = $2
			`, errText, jobID)
		}
		if err != nil {
			return fmt.Errorf("record job failure: %w", err)
		}

		q.audit.Record(ctx, "job.fail", "job", &workerID, &row.NotebookID, map[string]interface{}{
			"job_id": jobID, "error": errText, "retry_count": row.RetryCount + 1,
		})
		return nil
	})
}

// MarkCompleted transitions a job to completed. Called by the pipeline
// orchestrator after it has applied the job's type-specific transition
// and enqueued follow-ups, inside the same transaction.
func (q *Queue) MarkCompleted(ctx context.Context, tx *sqlx.Tx, jobID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'completed' WHERE id = $1 AND status = 'in_progress'`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.Conflict("job is not in_progress").WithDetails("job_id", jobID)
	}
	return nil
}

// GetTx fetches a job row for update within an open transaction, used by
// Complete-path callers that need the job's notebook/type/payload before
// running the type-specific transition.
func GetTx(ctx context.Context, tx *sqlx.Tx, jobID string) (*domainmodel.Job, error) {
	var row jobRow
	err := tx.GetContext(ctx, &row, `
		SELECT id, notebook_id, type, payload, status, worker_id, agent_id,
		       claimed_at, lease_seconds, retry_count, max_retries, last_error, created_at
		FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return row.toDomain(), nil
}

// RetryFailed resets every failed job of notebookID back to pending with
// a fresh retry counter.
func (q *Queue) RetryFailed(ctx context.Context, notebookID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', retry_count = 0, last_error = NULL
		WHERE notebook_id = $1 AND status = 'failed'
	`, notebookID)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs rows affected: %w", err)
	}
	return int(n), nil
}

// JobStats reports per-status queue depth for notebookID.
func (q *Queue) JobStats(ctx context.Context, notebookID string) (Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := q.db.SelectContext(ctx, &rows, `
		SELECT status, count(*) AS count FROM jobs WHERE notebook_id = $1 GROUP BY status
	`, notebookID)
	if err != nil {
		return Stats{}, fmt.Errorf("job stats: %w", err)
	}
	var s Stats
	for _, r := range rows {
		switch domainmodel.JobStatus(r.Status) {
		case domainmodel.JobPending:
			s.Pending = r.Count
		case domainmodel.JobInProgress:
			s.InProgress = r.Count
		case domainmodel.JobCompleted:
			s.Completed = r.Count
		case domainmodel.JobFailed:
			s.Failed = r.Count
		}
	}
	return s, nil
}

type jobRow struct {
	ID           string         `db:"id"`
	NotebookID   string         `db:"notebook_id"`
	Type         string         `db:"type"`
	Payload      []byte         `db:"payload"`
	Status       string         `db:"status"`
	WorkerID     sql.NullString `db:"worker_id"`
	AgentID      sql.NullString `db:"agent_id"`
	ClaimedAt    sql.NullTime   `db:"claimed_at"`
	LeaseSeconds int            `db:"lease_seconds"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	LastError    sql.NullString `db:"last_error"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r jobRow) toDomain() *domainmodel.Job {
	job := &domainmodel.Job{
		ID:           r.ID,
		NotebookID:   r.NotebookID,
		Type:         domainmodel.JobType(r.Type),
		Payload:      r.Payload,
		Status:       domainmodel.JobStatus(r.Status),
		LeaseTimeout: time.Duration(r.LeaseSeconds) * time.Second,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		CreatedAt:    r.CreatedAt,
	}
	if r.WorkerID.Valid {
		v := r.WorkerID.String
		job.WorkerID = &v
	}
	if r.AgentID.Valid {
		v := r.AgentID.String
		job.AgentID = &v
	}
	if r.ClaimedAt.Valid {
		t := r.ClaimedAt.Time
		job.ClaimedAt = &t
	}
	if r.LastError.Valid {
		v := r.LastError.String
		job.LastError = &v
	}
	return job
}

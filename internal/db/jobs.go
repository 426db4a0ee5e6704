package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jmalik/finsights/internal/jobs"
)

const jobColumns = `id, owner_id, document_ref, file_name, query, status,
	result, error_kind, error_detail, created_at, started_at, completed_at`

// Create inserts a new pending job and its creation audit event.
func (db *DB) Create(ctx context.Context, in jobs.CreateInput) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		DocumentRef: in.DocumentRef,
		FileName:    in.FileName,
		Query:       jobs.NormalizeQuery(in.Query),
		Status:      jobs.StatusPending,
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO analysis_jobs (id, owner_id, document_ref, file_name, query, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		job.ID, job.OwnerID, job.DocumentRef, job.FileName, job.Query, job.Status,
	).Scan(&job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := db.AppendAudit(ctx, job.ID, jobs.AuditCreated, in.OwnerID, "analysis job created"); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID.
func (db *DB) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Transition applies a status change under the state machine rules. The row
// is locked for the duration of the check-and-update, so concurrent
// transitions for the same job serialize and exactly one terminal writer
// wins.
func (db *DB) Transition(ctx context.Context, id uuid.UUID, to jobs.Status, payload jobs.TransitionPayload) (*jobs.Job, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current jobs.Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM analysis_jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	if current.Terminal() {
		return nil, jobs.ErrAlreadyTerminal
	}
	if !jobs.CanTransition(current, to) {
		return nil, jobs.ErrInvalidTransition
	}

	now := time.Now()
	switch to {
	case jobs.StatusProcessing:
		_, err = tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = $1, started_at = $2 WHERE id = $3`,
			to, now, id)
	case jobs.StatusCompleted:
		_, err = tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = $1, result = $2, completed_at = $3 WHERE id = $4`,
			to, payload.Result, now, id)
	case jobs.StatusFailed:
		_, err = tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = $1, error_kind = $2, error_detail = $3, completed_at = $4 WHERE id = $5`,
			to, payload.ErrorKind, payload.ErrorDetail, now, id)
	default:
		return nil, jobs.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_events (id, job_id, action, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), id, jobs.AuditStatusChanged, payload.Actor,
		fmt.Sprintf("%s -> %s", current, to))
	if err != nil {
		return nil, fmt.Errorf("failed to record transition audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return db.Get(ctx, id)
}

// List pages the owner's jobs newest first, returning the pre-paging total.
func (db *DB) List(ctx context.Context, ownerID string, filter jobs.ListFilter) ([]*jobs.Job, int, error) {
	page, size := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}

	where := `WHERE owner_id = $1`
	args := []any{ownerID}
	if filter.Status != "" {
		where += ` AND status = $2`
		args = append(args, filter.Status)
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM analysis_jobs `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM analysis_jobs %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		jobColumns, where, size, (page-1)*size)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if out == nil {
		out = []*jobs.Job{}
	}
	return out, total, rows.Err()
}

// Delete removes a job and its audit events after an ownership check. The
// audit rows go first to satisfy the foreign key.
func (db *DB) Delete(ctx context.Context, id uuid.UUID, ownerID string) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var owner string
	err = tx.QueryRow(ctx,
		`SELECT owner_id FROM analysis_jobs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up job: %w", err)
	}
	if owner != ownerID {
		return false, jobs.ErrForbidden
	}

	if _, err := tx.Exec(ctx, `DELETE FROM audit_events WHERE job_id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete audit events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM analysis_jobs WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return true, nil
}

// Stats aggregates the owner's jobs: per-status counts plus the average
// processing time over completed jobs.
func (db *DB) Stats(ctx context.Context, ownerID string) (*jobs.Stats, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*),
		        COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		 FROM analysis_jobs WHERE owner_id = $1 GROUP BY status`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate jobs: %w", err)
	}
	defer rows.Close()

	stats := &jobs.Stats{ByStatus: map[jobs.Status]int{
		jobs.StatusPending:    0,
		jobs.StatusProcessing: 0,
		jobs.StatusCompleted:  0,
		jobs.StatusFailed:     0,
	}}
	for rows.Next() {
		var status jobs.Status
		var count int
		var avgSeconds float64
		if err := rows.Scan(&status, &count, &avgSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] = count
		if status == jobs.StatusCompleted {
			stats.AvgProcessingSeconds = avgSeconds
		}
	}
	return stats, rows.Err()
}

// AppendAudit records one audit event for the job.
func (db *DB) AppendAudit(ctx context.Context, jobID uuid.UUID, action jobs.AuditAction, actor, detail string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_events (id, job_id, action, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), jobID, action, actor, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAudit returns a job's audit trail oldest first.
func (db *DB) ListAudit(ctx context.Context, jobID uuid.UUID) ([]*jobs.AuditEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, action, actor, detail, created_at
		 FROM audit_events WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*jobs.AuditEvent
	for rows.Next() {
		var ev jobs.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Action, &ev.Actor, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var job jobs.Job
	err := row.Scan(&job.ID, &job.OwnerID, &job.DocumentRef, &job.FileName,
		&job.Query, &job.Status, &job.Result, &job.ErrorKind, &job.ErrorDetail,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

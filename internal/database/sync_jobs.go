package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailmirror/internal/models"
)

const syncJobColumns = `id, user_id, type, status, progress, retry_count, last_error, enqueued_at, processed_at, next_retry_at`

// CreateJobIfAbsent enqueues the job unless one of the same (user, type) is
// already waiting, delayed or active. The check and the insert run in one
// transaction so two concurrent triggers cannot both observe "no active job".
// When a duplicate exists, the existing job is returned with created=false.
func (db *DB) CreateJobIfAbsent(ctx context.Context, job *models.SyncJob) (*models.SyncJob, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	queryExisting := `SELECT ` + syncJobColumns + ` FROM sync_jobs
              WHERE user_id = ? AND type = ? AND status IN (?, ?, ?)
              ORDER BY enqueued_at ASC LIMIT 1`
	row := tx.QueryRowContext(ctx, queryExisting, job.UserID, job.Type,
		models.JobWaiting, models.JobDelayed, models.JobActive)
	existing, err := scanJob(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check for existing job: %w", err)
	}
	if err == nil {
		return existing, false, nil
	}

	now := time.Now()
	queryInsert := `INSERT INTO sync_jobs (id, user_id, type, status, progress, retry_count, enqueued_at)
              VALUES (?, ?, ?, ?, 0, 0, ?)`
	if _, err := tx.ExecContext(ctx, queryInsert, job.ID, job.UserID, job.Type, models.JobWaiting, now); err != nil {
		return nil, false, fmt.Errorf("failed to insert sync job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit sync job: %w", err)
	}

	job.Status = models.JobWaiting
	job.EnqueuedAt = now
	return job, true, nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = ?`
	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetPendingJobs returns waiting and delayed jobs whose retry time has come,
// oldest first.
func (db *DB) GetPendingJobs(ctx context.Context, limit int) ([]models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY enqueued_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.JobWaiting, models.JobDelayed, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (db *DB) GetUserJobs(ctx context.Context, userID int64, statuses []models.JobStatus) ([]models.SyncJob, error) {
	if len(statuses) == 0 {
		statuses = []models.JobStatus{models.JobWaiting, models.JobDelayed, models.JobActive}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+1)
	args = append(args, userID)
	for _, s := range statuses {
		args = append(args, s)
	}

	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs
              WHERE user_id = ? AND status IN (` + placeholders + `) ORDER BY enqueued_at ASC`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (db *DB) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []any
	now := time.Now()

	switch status {
	case models.JobDelayed:
		query = `UPDATE sync_jobs SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, nullable(errMsg), nextRetryAt, id}
	case models.JobCompleted, models.JobFailed:
		query = `UPDATE sync_jobs SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []any{status, nullable(errMsg), &now, id}
	default:
		query = `UPDATE sync_jobs SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, nullable(errMsg), nextRetryAt, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// PostponeJob parks the job as delayed without touching retry_count. Used for
// quota back-pressure: waiting out a rate limit window is not a fault and must
// not eat into the retry budget.
func (db *DB) PostponeJob(ctx context.Context, id string, errMsg string, nextRetryAt time.Time) error {
	query := `UPDATE sync_jobs SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, models.JobDelayed, nullable(errMsg), nextRetryAt, id); err != nil {
		return fmt.Errorf("failed to postpone job: %w", err)
	}
	return nil
}

// RequeueActiveJobs resets jobs left active by a crashed run back to waiting
// and returns how many were recovered. Called once on worker startup; their
// checkpoints survive, so a recovered full sync resumes mid-enumeration.
func (db *DB) RequeueActiveJobs(ctx context.Context) (int, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, next_retry_at = NULL WHERE status = ?`,
		models.JobWaiting, models.JobActive)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue active jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued jobs: %w", err)
	}
	return int(n), nil
}

func (db *DB) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	if _, err := db.ExecContext(ctx, `UPDATE sync_jobs SET progress = ? WHERE id = ?`, progress, id); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// CancelWaitingJobs removes queued-but-not-started jobs for the user and
// returns how many were removed. Active jobs are untouched; the worker
// notices cancellation cooperatively between pages.
func (db *DB) CancelWaitingJobs(ctx context.Context, userID int64) (int, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE user_id = ? AND status IN (?, ?)`,
		userID, models.JobWaiting, models.JobDelayed)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel waiting jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cancelled jobs: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var (
		job       models.SyncJob
		lastError sql.NullString
		processed sql.NullTime
		nextRetry sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.Type, &job.Status, &job.Progress,
		&job.RetryCount, &lastError, &job.EnqueuedAt, &processed, &nextRetry,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if processed.Valid {
		job.ProcessedAt = &processed.Time
	}
	if nextRetry.Valid {
		job.NextRetryAt = &nextRetry.Time
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/models"
)

// GetCheckpoint returns the resume point for (user, job type), or nil when
// the sync has no checkpoint and must start from the first page.
func (db *DB) GetCheckpoint(ctx context.Context, userID int64, jobType models.JobType) (*models.Checkpoint, error) {
	query := `SELECT user_id, job_type, page_token, progress, started_at, updated_at
              FROM checkpoints WHERE user_id = ? AND job_type = ?`
	var cp models.Checkpoint
	err := db.QueryRowContext(ctx, query, userID, jobType).Scan(
		&cp.UserID, &cp.JobType, &cp.PageToken, &cp.Progress, &cp.StartedAt, &cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

func (db *DB) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	now := time.Now()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	query := `INSERT INTO checkpoints (user_id, job_type, page_token, progress, started_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?)
              ON CONFLICT (user_id, job_type) DO UPDATE SET
                  page_token = excluded.page_token,
                  progress = excluded.progress,
                  updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, cp.UserID, cp.JobType, cp.PageToken, cp.Progress, cp.StartedAt, now); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cp.UpdatedAt = now
	return nil
}

func (db *DB) DeleteCheckpoint(ctx context.Context, userID int64, jobType models.JobType) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM checkpoints WHERE user_id = ? AND job_type = ?`, userID, jobType); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/models"
)

const approvalColumns = `id, user_id, payload, status, created_at, expires_at, decided_by, decided_at, decision_notes, execution_result`

func (db *DB) CreateApproval(ctx context.Context, a *models.Approval) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}

	query := `INSERT INTO approvals (id, user_id, payload, status, created_at, expires_at, decided_by, decision_notes)
              VALUES (?, ?, ?, ?, ?, ?, '', '')`
	if _, err := db.ExecContext(ctx, query, a.ID, a.UserID, string(payload), a.Status, a.CreatedAt, a.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

func (db *DB) GetApproval(ctx context.Context, userID int64, id string) (*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = ? AND user_id = ?`
	a, err := scanApproval(db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// TransitionApproval moves a pending approval into a terminal state. The
// status guard in the WHERE clause is the optimistic lock shared with the
// expiry sweep: whoever matches the row first wins, the loser gets
// ErrAlreadyProcessed.
func (db *DB) TransitionApproval(ctx context.Context, id string, to models.ApprovalStatus, decidedBy, notes string, decidedAt time.Time) error {
	query := `UPDATE approvals SET status = ?, decided_by = ?, decision_notes = ?, decided_at = ?
              WHERE id = ? AND status = ?`
	result, err := db.ExecContext(ctx, query, to, decidedBy, notes, decidedAt, id, models.ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to transition approval: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (db *DB) SetExecutionResult(ctx context.Context, id string, result *models.ExecutionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode execution result: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE approvals SET execution_result = ? WHERE id = ?`, string(raw), id); err != nil {
		return fmt.Errorf("failed to set execution result: %w", err)
	}
	return nil
}

func (db *DB) ListApprovals(ctx context.Context, userID int64, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE user_id = ?`
	args := []any{userID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

func (db *DB) ApprovalStats(ctx context.Context, userID int64) (*models.ApprovalStats, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM approvals WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval stats: %w", err)
	}
	defer rows.Close()

	var stats models.ApprovalStats
	for rows.Next() {
		var status models.ApprovalStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan approval stats: %w", err)
		}
		switch status {
		case models.ApprovalPending:
			stats.Pending = count
		case models.ApprovalApproved:
			stats.Approved = count
		case models.ApprovalRejected:
			stats.Rejected = count
		case models.ApprovalCancelled:
			stats.Cancelled = count
		case models.ApprovalExpired:
			stats.Expired = count
		}
		stats.Total += count
	}
	return &stats, rows.Err()
}

// ExpireApprovals transitions pending approvals past their expiry and
// returns how many rows changed. Running it twice is a no-op the second
// time, so the sweep never re-notifies.
func (db *DB) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE approvals SET status = ?, decided_at = ?
              WHERE status = ? AND expires_at < ?`
	result, err := db.ExecContext(ctx, query, models.ApprovalExpired, now, models.ApprovalPending, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired approvals: %w", err)
	}
	return int(n), nil
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		a          models.Approval
		payloadRaw string
		decidedAt  sql.NullTime
		execRaw    sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.UserID, &payloadRaw, &a.Status, &a.CreatedAt, &a.ExpiresAt,
		&a.DecidedBy, &decidedAt, &a.DecisionNotes, &execRaw,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadRaw), &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode action payload: %w", err)
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	if execRaw.Valid {
		var result models.ExecutionResult
		if err := json.Unmarshal([]byte(execRaw.String), &result); err != nil {
			return nil, fmt.Errorf("failed to decode execution result: %w", err)
		}
		a.ExecutionResult = &result
	}
	return &a, nil
}

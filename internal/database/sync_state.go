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

const syncStateColumns = `user_id, status, last_sync_at, last_full_sync_at, cursor,
           email_count, label_count, contact_count, event_count,
           config, recurring_enabled, sync_error, updated_at`

func (db *DB) GetSyncState(ctx context.Context, userID int64) (*models.SyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM sync_state WHERE user_id = ?`
	state, err := scanSyncState(db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// EnsureSyncState returns the user's state, creating an idle row on first use.
func (db *DB) EnsureSyncState(ctx context.Context, userID int64) (*models.SyncState, error) {
	query := `INSERT INTO sync_state (user_id, status, config, updated_at)
              VALUES (?, ?, '{}', ?)
              ON CONFLICT (user_id) DO NOTHING`
	if _, err := db.ExecContext(ctx, query, userID, models.SyncIdle, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to ensure sync state: %w", err)
	}
	return db.GetSyncState(ctx, userID)
}

func (db *DB) SetSyncStatus(ctx context.Context, userID int64, status models.SyncStatus, syncErr *string) error {
	query := `UPDATE sync_state SET status = ?, sync_error = ?, last_sync_at = ?, updated_at = ? WHERE user_id = ?`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, status, syncErr, now, now, userID); err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

func (db *DB) SetSyncCursor(ctx context.Context, userID int64, cursor string) error {
	query := `UPDATE sync_state SET cursor = ?, updated_at = ? WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, cursor, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

func (db *DB) MarkFullSyncComplete(ctx context.Context, userID int64, at time.Time) error {
	query := `UPDATE sync_state SET status = ?, last_full_sync_at = ?, last_sync_at = ?, sync_error = NULL, updated_at = ? WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, models.SyncIdle, at, at, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to mark full sync complete: %w", err)
	}
	return nil
}

func (db *DB) UpdateSyncCounts(ctx context.Context, userID int64, counts models.SyncCounts) error {
	query := `UPDATE sync_state SET email_count = ?, label_count = ?, contact_count = ?, event_count = ?, updated_at = ? WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, counts.Emails, counts.Labels, counts.Contacts, counts.Events, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to update sync counts: %w", err)
	}
	return nil
}

func (db *DB) SetRecurringEnabled(ctx context.Context, userID int64, enabled bool) error {
	query := `UPDATE sync_state SET recurring_enabled = ?, updated_at = ? WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, enabled, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to set recurring flag: %w", err)
	}
	return nil
}

// ResetSyncState clears sync progress on reconnect. The row survives so the
// config and recurring flag carry over.
func (db *DB) ResetSyncState(ctx context.Context, userID int64) error {
	query := `UPDATE sync_state SET status = ?, cursor = '', sync_error = NULL,
              email_count = 0, label_count = 0, contact_count = 0, event_count = 0,
              last_sync_at = NULL, last_full_sync_at = NULL, updated_at = ?
              WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, models.SyncIdle, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

func (db *DB) ListRecurringUsers(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM sync_state WHERE recurring_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring users: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recurring user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func scanSyncState(row *sql.Row) (*models.SyncState, error) {
	var (
		state     models.SyncState
		lastSync  sql.NullTime
		lastFull  sql.NullTime
		configRaw string
		recurring bool
	)
	err := row.Scan(
		&state.UserID, &state.Status, &lastSync, &lastFull, &state.Cursor,
		&state.Counts.Emails, &state.Counts.Labels, &state.Counts.Contacts, &state.Counts.Events,
		&configRaw, &recurring, &state.SyncError, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		state.LastSyncAt = &lastSync.Time
	}
	if lastFull.Valid {
		state.LastFullSyncAt = &lastFull.Time
	}
	if err := json.Unmarshal([]byte(configRaw), &state.Config); err != nil {
		return nil, fmt.Errorf("failed to decode sync config: %w", err)
	}
	state.Config.RecurringEnabled = recurring
	return &state, nil
}

// SaveSyncConfig persists the label filters and attachment policy.
func (db *DB) SaveSyncConfig(ctx context.Context, userID int64, cfg models.SyncConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode sync config: %w", err)
	}
	query := `UPDATE sync_state SET config = ?, updated_at = ? WHERE user_id = ?`
	if _, err := db.ExecContext(ctx, query, string(raw), time.Now(), userID); err != nil {
		return fmt.Errorf("failed to save sync config: %w", err)
	}
	return nil
}

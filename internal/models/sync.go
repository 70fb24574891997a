package models

import "time"

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncErrored SyncStatus = "error"
)

// SyncCounts holds mirrored totals shown on the status surface.
type SyncCounts struct {
	Emails   int `json:"emails"`
	Labels   int `json:"labels"`
	Contacts int `json:"contacts"`
	Events   int `json:"events"`
}

// SyncConfig controls what the worker mirrors for a user.
type SyncConfig struct {
	IncludedLabels   []string `json:"included_labels,omitempty"`
	ExcludedLabels   []string `json:"excluded_labels,omitempty"`
	MaxAgeDays       int      `json:"max_age_days,omitempty"`
	SkipAttachments  bool     `json:"skip_attachments,omitempty"`
	RecurringEnabled bool     `json:"recurring_enabled,omitempty"`
}

// SyncState is the per-user mirror status. Mutated only by the worker; read
// by the scheduler and the status API. Reset, not deleted, on reconnect.
type SyncState struct {
	UserID         int64      `json:"user_id"`
	Status         SyncStatus `json:"status"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastFullSyncAt *time.Time `json:"last_full_sync_at,omitempty"`
	Cursor         string     `json:"cursor,omitempty"`
	Counts         SyncCounts `json:"counts"`
	Config         SyncConfig `json:"config"`
	SyncError      *string    `json:"sync_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Checkpoint is the durable resume point of an in-flight full sync. One per
// (user, job type); deleted on successful completion. An orphaned checkpoint
// is resumable until explicitly cancelled, never treated as stale.
type Checkpoint struct {
	UserID    int64     `json:"user_id"`
	JobType   JobType   `json:"job_type"`
	PageToken string    `json:"page_token"`
	Progress  float64   `json:"progress"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import (
	"fmt"
	"time"
)

// JobType is a closed set of sync job kinds. The worker dispatches over it
// with an exhaustive switch, so adding a type is a compile-time change.
type JobType string

const (
	JobFull          JobType = "full"
	JobIncremental   JobType = "incremental"
	JobRecurringTick JobType = "recurring_tick"
	JobContactSync   JobType = "contact_sync"
)

// ParseJobType validates a wire-level string against the closed set.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobFull, JobIncremental, JobRecurringTick, JobContactSync:
		return JobType(s), nil
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SyncJob is a queued synchronization job for one user.
type SyncJob struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// SyncSummary accumulates per-job result counters. Partial persist failures
// are counted here instead of aborting the page.
type SyncSummary struct {
	Pages           int `json:"pages"`
	Inserted        int `json:"inserted"`
	Updated         int `json:"updated"`
	Unchanged       int `json:"unchanged"`
	Deleted         int `json:"deleted"`
	PersistFailures int `json:"persist_failures"`
}

func (s *SyncSummary) Add(other SyncSummary) {
	s.Pages += other.Pages
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Deleted += other.Deleted
	s.PersistFailures += other.PersistFailures
}

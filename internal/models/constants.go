package models

import "time"

const (
	// RecurringTickInterval is how often recurring sync enqueues an
	// incremental job per user.
	RecurringTickInterval = 5 * time.Minute

	// DefaultApprovalTTL applies when create omits expires_in_minutes.
	DefaultApprovalTTL = 24 * time.Hour

	// WorkerQueueSize is the in-memory job channel capacity.
	WorkerQueueSize = 128

	// DefaultPageSize is the page size requested from the external API.
	DefaultPageSize = 100

	// SweepInterval is how often pending approvals are checked for expiry.
	SweepInterval = time.Minute
)

// Rate limit operation classes. The bucket key is identity + class.
const (
	RateClassSync           = "sync"
	RateClassApprovalCreate = "approval_create"
)

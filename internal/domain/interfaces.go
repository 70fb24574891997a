package domain

import (
	"context"
	"time"

	"mailmirror/internal/models"
)

// Repository is the local mirror storage consumed by the scheduler, worker
// and approval manager. Implemented by *database.DB.
type Repository interface {
	// Sync state.
	GetSyncState(ctx context.Context, userID int64) (*models.SyncState, error)
	EnsureSyncState(ctx context.Context, userID int64) (*models.SyncState, error)
	SetSyncStatus(ctx context.Context, userID int64, status models.SyncStatus, syncErr *string) error
	SetSyncCursor(ctx context.Context, userID int64, cursor string) error
	MarkFullSyncComplete(ctx context.Context, userID int64, at time.Time) error
	UpdateSyncCounts(ctx context.Context, userID int64, counts models.SyncCounts) error
	SetRecurringEnabled(ctx context.Context, userID int64, enabled bool) error
	SaveSyncConfig(ctx context.Context, userID int64, cfg models.SyncConfig) error
	ResetSyncState(ctx context.Context, userID int64) error
	ListRecurringUsers(ctx context.Context) ([]int64, error)

	// Checkpoints.
	GetCheckpoint(ctx context.Context, userID int64, jobType models.JobType) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, userID int64, jobType models.JobType) error

	// Jobs.
	CreateJobIfAbsent(ctx context.Context, job *models.SyncJob) (*models.SyncJob, bool, error)
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	GetPendingJobs(ctx context.Context, limit int) ([]models.SyncJob, error)
	GetUserJobs(ctx context.Context, userID int64, statuses []models.JobStatus) ([]models.SyncJob, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg string, nextRetryAt *time.Time) error
	PostponeJob(ctx context.Context, id string, errMsg string, nextRetryAt time.Time) error
	RequeueActiveJobs(ctx context.Context) (int, error)
	UpdateJobProgress(ctx context.Context, id string, progress float64) error
	CancelWaitingJobs(ctx context.Context, userID int64) (int, error)

	// Approvals.
	CreateApproval(ctx context.Context, a *models.Approval) error
	GetApproval(ctx context.Context, userID int64, id string) (*models.Approval, error)
	TransitionApproval(ctx context.Context, id string, to models.ApprovalStatus, decidedBy, notes string, decidedAt time.Time) error
	SetExecutionResult(ctx context.Context, id string, result *models.ExecutionResult) error
	ListApprovals(ctx context.Context, userID int64, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error)
	ApprovalStats(ctx context.Context, userID int64) (*models.ApprovalStats, error)
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)

	// Mirror records, keyed by external id for diffing.
	FindMessageByExternalID(ctx context.Context, userID int64, externalID string) (*models.EmailMessage, error)
	InsertMessage(ctx context.Context, m *models.EmailMessage) error
	UpdateMessage(ctx context.Context, m *models.EmailMessage) error
	DeleteMessageByExternalID(ctx context.Context, userID int64, externalID string) error
	FindContactByExternalID(ctx context.Context, userID int64, externalID string) (*models.Contact, error)
	InsertContact(ctx context.Context, c *models.Contact) error
	UpdateContact(ctx context.Context, c *models.Contact) error
	FindEventByExternalID(ctx context.Context, userID int64, externalID string) (*models.CalendarEvent, error)
	InsertEvent(ctx context.Context, e *models.CalendarEvent) error
	UpdateEvent(ctx context.Context, e *models.CalendarEvent) error
	DeleteEventByExternalID(ctx context.Context, userID int64, externalID string) error
	CountMirror(ctx context.Context, userID int64) (models.SyncCounts, error)
}

// MailClient is the rate-limited external API. Implementations must surface
// cursor invalidation and quota exhaustion as the typed errors in this
// package, never as generic failures.
type MailClient interface {
	ListMessages(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.MessagePage, error)
	ListContacts(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.ContactPage, error)
	FetchDelta(ctx context.Context, userID int64, cursor string) (*models.DeltaPage, error)
	LatestCursor(ctx context.Context, userID int64) (string, error)
}

// ActionExecutor performs an approved action. Invoked only from the
// approve-with-autoExecute path.
type ActionExecutor interface {
	Execute(ctx context.Context, userID int64, payload models.ActionPayload) *models.ExecutionResult
}

// CredentialInvalidator drops cached per-user API clients so the next call
// rebuilds them from fresh tokens. Used by the reconnect flow.
type CredentialInvalidator interface {
	Invalidate(userID int64)
}

// ProgressPublisher pushes job and approval updates to connected observers.
type ProgressPublisher interface {
	Broadcast(key, event string, payload any)
}

// Scheduler is the job surface consumed by the API and by the worker's
// incremental-to-full fallback.
type Scheduler interface {
	TriggerSync(ctx context.Context, userID int64, jobType models.JobType) (*models.SyncJob, error)
	StartRecurringSync(ctx context.Context, userID int64) error
	StopRecurringSync(ctx context.Context, userID int64) error
	CancelPendingSyncs(ctx context.Context, userID int64) (int, error)
	GetPendingSyncJobs(ctx context.Context, userID int64) ([]models.SyncJob, error)
}

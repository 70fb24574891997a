package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailmirror/internal/domain"
	"mailmirror/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobNotifier wakes the worker for a freshly enqueued job. Delivery is
// best-effort; the worker also polls the database, so a missed wake-up only
// delays pickup.
type JobNotifier interface {
	NotifyJob(ctx context.Context, job models.SyncJob)
}

// Scheduler owns the job queue discipline: idempotent triggers, the one
// active job per (user, type) invariant, recurring ticks and cancellation.
type Scheduler struct {
	repo     domain.Repository
	notifier JobNotifier
	interval time.Duration
	logger   *zerolog.Logger

	mu      sync.Mutex
	tickers map[int64]context.CancelFunc
}

func New(repo domain.Repository, interval time.Duration, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = models.RecurringTickInterval
	}
	return &Scheduler{
		repo:     repo,
		interval: interval,
		logger:   logger,
		tickers:  make(map[int64]context.CancelFunc),
	}
}

// SetNotifier wires the worker in after construction; the worker itself
// needs the scheduler for its incremental-to-full fallback.
func (s *Scheduler) SetNotifier(n JobNotifier) {
	s.notifier = n
}

// TriggerSync enqueues a job unless one of the same (user, type) is already
// waiting or active; then the existing job handle is returned instead. An
// enqueue failure is surfaced to the caller, never swallowed.
func (s *Scheduler) TriggerSync(ctx context.Context, userID int64, jobType models.JobType) (*models.SyncJob, error) {
	if _, err := models.ParseJobType(string(jobType)); err != nil {
		return nil, err
	}
	if _, err := s.repo.EnsureSyncState(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure sync state: %w", err)
	}

	job := &models.SyncJob{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   jobType,
	}
	result, created, err := s.repo.CreateJobIfAbsent(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}
	if !created {
		s.logger.Debug().Int64("user_id", userID).Str("type", string(jobType)).
			Str("job_id", result.ID).Msg("sync already queued, returning existing job")
		return result, nil
	}

	if s.notifier != nil {
		s.notifier.NotifyJob(ctx, *result)
	}
	return result, nil
}

// StartRecurringSync persists the per-user flag and registers the periodic
// tick that triggers an incremental sync.
func (s *Scheduler) StartRecurringSync(ctx context.Context, userID int64) error {
	if _, err := s.repo.EnsureSyncState(ctx, userID); err != nil {
		return fmt.Errorf("ensure sync state: %w", err)
	}
	if err := s.repo.SetRecurringEnabled(ctx, userID, true); err != nil {
		return err
	}
	s.startTicker(userID)
	return nil
}

func (s *Scheduler) StopRecurringSync(ctx context.Context, userID int64) error {
	if err := s.repo.SetRecurringEnabled(ctx, userID, false); err != nil {
		return err
	}
	s.stopTicker(userID)
	return nil
}

// ResumeRecurring restores tickers for users whose flag survived a restart.
func (s *Scheduler) ResumeRecurring(ctx context.Context) error {
	users, err := s.repo.ListRecurringUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		s.startTicker(userID)
	}
	if len(users) > 0 {
		s.logger.Info().Int("users", len(users)).Msg("recurring sync resumed")
	}
	return nil
}

// CancelPendingSyncs removes queued-but-not-started jobs and reports how
// many were removed. An active job keeps running; the worker checks for
// cancellation between pages only.
func (s *Scheduler) CancelPendingSyncs(ctx context.Context, userID int64) (int, error) {
	return s.repo.CancelWaitingJobs(ctx, userID)
}

// GetPendingSyncJobs returns job handles with live status for observability.
func (s *Scheduler) GetPendingSyncJobs(ctx context.Context, userID int64) ([]models.SyncJob, error) {
	return s.repo.GetUserJobs(ctx, userID, []models.JobStatus{
		models.JobWaiting, models.JobDelayed, models.JobActive,
	})
}

// Stop cancels all recurring tickers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, cancel := range s.tickers {
		cancel()
		delete(s.tickers, userID)
	}
}

func (s *Scheduler) startTicker(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.tickers[userID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.tickers[userID] = cancel

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.TriggerSync(ctx, userID, models.JobIncremental); err != nil {
					s.logger.Error().Err(err).Int64("user_id", userID).Msg("recurring sync trigger failed")
				}
			}
		}
	}()
}

func (s *Scheduler) stopTicker(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, running := s.tickers[userID]; running {
		cancel()
		delete(s.tickers, userID)
	}
}

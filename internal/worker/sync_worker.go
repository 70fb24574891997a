package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/broadcast"
	"mailmirror/internal/database"
	"mailmirror/internal/domain"
	"mailmirror/internal/metrics"
	"mailmirror/internal/models"
	"mailmirror/internal/ratelimit"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pageTimeout    = 30 * time.Second
	redisQueueKey  = "sync:queue"
	deadLetterKey  = "sync:deadletter"
	defaultBatch   = 20
	defaultPolling = 2 * time.Second
)

// SyncWorker executes queued sync jobs: it pages the external API under the
// shared rate limiter, diffs fetched records against local storage, keeps
// the resume checkpoint current and emits progress events.
type SyncWorker struct {
	repo        domain.Repository
	mail        domain.MailClient
	scheduler   domain.Scheduler
	limiter     *ratelimit.Limiter
	limiterCfg  ratelimit.Config
	broadcaster domain.ProgressPublisher
	redis       *redis.Client
	retryPolicy RetryPolicy

	queue        chan models.SyncJob
	pollInterval time.Duration
	batchSize    int
	pageSize     int
	logger       *zerolog.Logger
}

// NewSyncWorker builds a worker with sane defaults.
func NewSyncWorker(
	repo domain.Repository,
	mail domain.MailClient,
	sched domain.Scheduler,
	limiter *ratelimit.Limiter,
	limiterCfg ratelimit.Config,
	broadcaster domain.ProgressPublisher,
	redisClient *redis.Client,
	retry RetryPolicy,
	logger *zerolog.Logger,
) *SyncWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	return &SyncWorker{
		repo:         repo,
		mail:         mail,
		scheduler:    sched,
		limiter:      limiter,
		limiterCfg:   limiterCfg,
		broadcaster:  broadcaster,
		redis:        redisClient,
		retryPolicy:  retry,
		queue:        make(chan models.SyncJob, models.WorkerQueueSize),
		pollInterval: defaultPolling,
		batchSize:    defaultBatch,
		pageSize:     models.DefaultPageSize,
		logger:       logger,
	}
}

// SetPageSize overrides the page size requested from the external API.
func (w *SyncWorker) SetPageSize(n int) {
	if n > 0 {
		w.pageSize = n
	}
}

// NotifyJob wakes the worker for a new job. Redis first so another instance
// can pick it up, then the local channel; the DB poll covers missed wakes.
func (w *SyncWorker) NotifyJob(ctx context.Context, job models.SyncJob) {
	if w.redis != nil {
		err := w.pushRedis(ctx, job)
		if err == nil {
			return
		}
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("redis push failed, using local queue")
	}

	select {
	case w.queue <- job:
	default:
		w.logger.Warn().Str("job_id", job.ID).Msg("local queue full, job left to polling")
	}
}

// Start launches the main loop; stops when ctx is done.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("sync worker started")
	defer w.logger.Info().Msg("sync worker stopped")

	// Jobs left active by a crashed run would otherwise sit in-flight
	// forever and block new triggers for their (user, type). Their
	// checkpoints are intact, so the rerun resumes where the crash hit.
	if n, err := w.repo.RequeueActiveJobs(ctx); err != nil {
		w.logger.Error().Err(err).Msg("requeue orphaned jobs failed")
	} else if n > 0 {
		w.logger.Warn().Int("requeued", n).Msg("recovered jobs left active by a previous run")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if job, ok := w.tryLocalQueue(); ok {
			w.processJob(ctx, job)
			continue
		}

		if job, ok := w.tryRedis(ctx); ok {
			w.processJob(ctx, job)
			continue
		}

		jobs, err := w.repo.GetPendingJobs(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending jobs failed")
			sleepCtx(ctx, w.pollInterval)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, w.pollInterval)
			continue
		}

		for i := range jobs {
			w.processJob(ctx, jobs[i])
		}
	}
}

func (w *SyncWorker) tryLocalQueue() (models.SyncJob, bool) {
	select {
	case job := <-w.queue:
		return job, true
	default:
		return models.SyncJob{}, false
	}
}

func (w *SyncWorker) tryRedis(ctx context.Context) (models.SyncJob, bool) {
	if w.redis == nil {
		return models.SyncJob{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.SyncJob{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		return models.SyncJob{}, false
	}
	if len(res) != 2 {
		return models.SyncJob{}, false
	}
	var job models.SyncJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		w.logger.Error().Err(err).Msg("decode queued job failed")
		return models.SyncJob{}, false
	}
	return job, true
}

// processJob runs one job end to end, translating errors into the retry /
// fallback / terminal taxonomy. Raw external errors never reach callers.
func (w *SyncWorker) processJob(ctx context.Context, job models.SyncJob) {
	// Re-read: the job may have been cancelled or picked up elsewhere
	// since it was pushed.
	current, err := w.repo.GetJob(ctx, job.ID)
	if errors.Is(err, database.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("load job failed")
		return
	}
	if current.Status != models.JobWaiting && current.Status != models.JobDelayed {
		return
	}
	if current.NextRetryAt != nil && current.NextRetryAt.After(time.Now()) {
		return
	}
	job = *current

	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobActive, "", nil); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job active failed")
		return
	}
	if err := w.repo.SetSyncStatus(ctx, job.UserID, models.SyncRunning, nil); err != nil {
		w.logger.Error().Err(err).Int64("user_id", job.UserID).Msg("set sync status failed")
	}

	summary, err := w.dispatch(ctx, &job)
	if err != nil {
		w.handleJobError(ctx, &job, err)
		return
	}

	w.completeJob(ctx, &job, summary)
}

// dispatch is the single job-type switch. The closed JobType set makes a
// missing case a compile-visible hole here rather than a runtime surprise.
func (w *SyncWorker) dispatch(ctx context.Context, job *models.SyncJob) (models.SyncSummary, error) {
	switch job.Type {
	case models.JobFull:
		return w.runFullSync(ctx, job)
	case models.JobIncremental, models.JobRecurringTick:
		return w.runIncrementalSync(ctx, job)
	case models.JobContactSync:
		return w.runContactSync(ctx, job)
	default:
		return models.SyncSummary{}, fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// runFullSync enumerates the whole remote mailbox page by page, resuming
// from the stored checkpoint when one exists.
func (w *SyncWorker) runFullSync(ctx context.Context, job *models.SyncJob) (models.SyncSummary, error) {
	var summary models.SyncSummary

	cp, err := w.repo.GetCheckpoint(ctx, job.UserID, models.JobFull)
	if err != nil {
		return summary, err
	}

	pageToken := ""
	if cp != nil {
		pageToken = cp.PageToken
		w.logger.Info().Int64("user_id", job.UserID).Float64("progress", cp.Progress).
			Msg("resuming full sync from checkpoint")
	} else {
		cp = &models.Checkpoint{UserID: job.UserID, JobType: models.JobFull, StartedAt: time.Now()}
		if err := w.repo.SaveCheckpoint(ctx, cp); err != nil {
			return summary, err
		}
	}

	filters := w.syncFilters(ctx, job.UserID)

	processed := 0
	for {
		if cancelled, err := w.jobCancelled(ctx, job.ID); err != nil || cancelled {
			return summary, err
		}

		if err := w.consumeQuota(ctx, job.UserID); err != nil {
			// Checkpoint deliberately not advanced; the retry resumes here.
			return summary, err
		}

		page, err := w.fetchMessagePage(ctx, job.UserID, pageToken)
		if err != nil {
			return summary, err
		}

		var pageSummary models.SyncSummary
		pageSummary.Pages = 1
		for i := range page.Messages {
			if !includeMessage(filters, &page.Messages[i]) {
				continue
			}
			outcome, err := w.applyMessage(ctx, job.UserID, &page.Messages[i])
			if err != nil {
				// One bad record does not abort the page.
				pageSummary.PersistFailures++
				w.logger.Error().Err(err).Str("external_id", page.Messages[i].ExternalID).
					Msg("persist message failed")
				continue
			}
			tally(&pageSummary, outcome)
		}
		summary.Add(pageSummary)
		processed += len(page.Messages)
		metrics.IncSyncPage(string(models.JobFull))

		cp.PageToken = page.NextPageToken
		cp.Progress = progressFraction(processed, page.TotalEstimate, page.NextPageToken)
		if err := w.repo.SaveCheckpoint(ctx, cp); err != nil {
			return summary, err
		}
		w.reportProgress(ctx, job, cp.Progress, summary.Pages)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// Pin the incremental cursor to "now" so the next delta picks up where
	// this enumeration ends.
	cursor, err := w.mail.LatestCursor(ctx, job.UserID)
	if err != nil {
		w.logger.Warn().Err(err).Int64("user_id", job.UserID).Msg("fetch latest cursor failed")
	} else if err := w.repo.SetSyncCursor(ctx, job.UserID, cursor); err != nil {
		return summary, err
	}

	if err := w.repo.DeleteCheckpoint(ctx, job.UserID, models.JobFull); err != nil {
		return summary, err
	}
	if err := w.repo.MarkFullSyncComplete(ctx, job.UserID, time.Now()); err != nil {
		return summary, err
	}
	return summary, nil
}

// runIncrementalSync applies the delta stream from the stored cursor. A
// cursor the external API no longer accepts downgrades to a full resync,
// explicitly and exactly once.
func (w *SyncWorker) runIncrementalSync(ctx context.Context, job *models.SyncJob) (models.SyncSummary, error) {
	var summary models.SyncSummary

	state, err := w.repo.GetSyncState(ctx, job.UserID)
	if err != nil {
		return summary, err
	}
	if state.Cursor == "" {
		w.logger.Info().Int64("user_id", job.UserID).Msg("no delta cursor, falling back to full sync")
		return summary, w.fallbackToFull(ctx, job.UserID)
	}

	if err := w.consumeQuota(ctx, job.UserID); err != nil {
		return summary, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, pageTimeout)
	delta, err := w.mail.FetchDelta(fetchCtx, job.UserID, state.Cursor)
	cancel()
	if errors.Is(err, domain.ErrCursorInvalidated) {
		w.logger.Warn().Int64("user_id", job.UserID).Msg("delta cursor invalidated, falling back to full sync")
		return summary, w.fallbackToFull(ctx, job.UserID)
	}
	if err != nil {
		return summary, err
	}

	for _, change := range delta.Changes {
		// Tombstones always apply; the filters gate only new content.
		if change.Message != nil && !change.Deleted && !includeMessage(state.Config, change.Message) {
			continue
		}
		outcome, err := w.applyChange(ctx, job.UserID, change)
		if err != nil {
			summary.PersistFailures++
			w.logger.Error().Err(err).Msg("persist delta change failed")
			continue
		}
		tally(&summary, outcome)
	}
	summary.Pages++
	metrics.IncSyncPage(string(models.JobIncremental))

	if err := w.repo.SetSyncCursor(ctx, job.UserID, delta.NewCursor); err != nil {
		return summary, err
	}
	if err := w.repo.SetSyncStatus(ctx, job.UserID, models.SyncIdle, nil); err != nil {
		return summary, err
	}
	return summary, nil
}

// runContactSync pages the contact resource with the same checkpoint and
// rate limit pattern as the mailbox enumeration. A contact counts as
// unchanged only when every compared field matches.
func (w *SyncWorker) runContactSync(ctx context.Context, job *models.SyncJob) (models.SyncSummary, error) {
	var summary models.SyncSummary

	cp, err := w.repo.GetCheckpoint(ctx, job.UserID, models.JobContactSync)
	if err != nil {
		return summary, err
	}
	pageToken := ""
	if cp != nil {
		pageToken = cp.PageToken
	} else {
		cp = &models.Checkpoint{UserID: job.UserID, JobType: models.JobContactSync, StartedAt: time.Now()}
		if err := w.repo.SaveCheckpoint(ctx, cp); err != nil {
			return summary, err
		}
	}

	for {
		if cancelled, err := w.jobCancelled(ctx, job.ID); err != nil || cancelled {
			return summary, err
		}

		if err := w.consumeQuota(ctx, job.UserID); err != nil {
			return summary, err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, pageTimeout)
		page, err := w.mail.ListContacts(fetchCtx, job.UserID, pageToken, w.pageSize)
		cancel()
		if err != nil {
			return summary, translateMailError(err)
		}

		for i := range page.Contacts {
			outcome, err := w.applyContact(ctx, job.UserID, &page.Contacts[i])
			if err != nil {
				summary.PersistFailures++
				w.logger.Error().Err(err).Str("external_id", page.Contacts[i].ExternalID).
					Msg("persist contact failed")
				continue
			}
			tally(&summary, outcome)
		}
		summary.Pages++
		metrics.IncSyncPage(string(models.JobContactSync))

		cp.PageToken = page.NextPageToken
		if page.NextPageToken == "" {
			cp.Progress = 1
		}
		if err := w.repo.SaveCheckpoint(ctx, cp); err != nil {
			return summary, err
		}
		w.reportProgress(ctx, job, cp.Progress, summary.Pages)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := w.repo.DeleteCheckpoint(ctx, job.UserID, models.JobContactSync); err != nil {
		return summary, err
	}
	if err := w.repo.SetSyncStatus(ctx, job.UserID, models.SyncIdle, nil); err != nil {
		return summary, err
	}
	return summary, nil
}

func (w *SyncWorker) fallbackToFull(ctx context.Context, userID int64) error {
	if _, err := w.scheduler.TriggerSync(ctx, userID, models.JobFull); err != nil {
		return fmt.Errorf("trigger fallback full sync: %w", err)
	}
	if err := w.repo.SetSyncStatus(ctx, userID, models.SyncRunning, nil); err != nil {
		return err
	}
	return nil
}

// consumeQuota takes one limiter unit for the sync class. A denial surfaces
// as a QuotaError carrying the limiter's retry-after.
func (w *SyncWorker) consumeQuota(ctx context.Context, userID int64) error {
	verdict, err := w.limiter.Consume(ctx, ratelimit.Key(models.RateClassSync, userID), w.limiterCfg)
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		metrics.IncRateLimitDenial(models.RateClassSync)
		return &domain.QuotaError{RetryAfter: verdict.RetryAfter}
	}
	return nil
}

func (w *SyncWorker) fetchMessagePage(ctx context.Context, userID int64, pageToken string) (*models.MessagePage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	page, err := w.mail.ListMessages(fetchCtx, userID, pageToken, w.pageSize)
	if err != nil {
		return nil, translateMailError(err)
	}
	return page, nil
}

// jobCancelled is the cooperative cancellation point, checked between pages
// and never mid-page.
func (w *SyncWorker) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	_, err := w.repo.GetJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		w.logger.Info().Str("job_id", jobID).Msg("job cancelled, stopping at page boundary")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

const (
	outcomeInserted  = "inserted"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
	outcomeDeleted   = "deleted"
)

func tally(s *models.SyncSummary, outcome string) {
	switch outcome {
	case outcomeInserted:
		s.Inserted++
	case outcomeUpdated:
		s.Updated++
	case outcomeUnchanged:
		s.Unchanged++
	case outcomeDeleted:
		s.Deleted++
	}
}

// syncFilters loads the user's stored sync config; missing state means no
// filtering.
func (w *SyncWorker) syncFilters(ctx context.Context, userID int64) models.SyncConfig {
	state, err := w.repo.GetSyncState(ctx, userID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			w.logger.Warn().Err(err).Int64("user_id", userID).Msg("load sync config failed")
		}
		return models.SyncConfig{}
	}
	return state.Config
}

// includeMessage applies the user's label and age filters to one message.
func includeMessage(cfg models.SyncConfig, m *models.EmailMessage) bool {
	if cfg.MaxAgeDays > 0 && m.InternalAt.Before(time.Now().AddDate(0, 0, -cfg.MaxAgeDays)) {
		return false
	}
	for _, excluded := range cfg.ExcludedLabels {
		for _, label := range m.Labels {
			if label == excluded {
				return false
			}
		}
	}
	if len(cfg.IncludedLabels) == 0 {
		return true
	}
	for _, included := range cfg.IncludedLabels {
		for _, label := range m.Labels {
			if label == included {
				return true
			}
		}
	}
	return false
}

func (w *SyncWorker) applyMessage(ctx context.Context, userID int64, m *models.EmailMessage) (string, error) {
	m.UserID = userID
	existing, err := w.repo.FindMessageByExternalID(ctx, userID, m.ExternalID)
	if errors.Is(err, database.ErrNotFound) {
		if err := w.repo.InsertMessage(ctx, m); err != nil {
			return "", err
		}
		return outcomeInserted, nil
	}
	if err != nil {
		return "", err
	}
	if messageEqual(existing, m) {
		return outcomeUnchanged, nil
	}
	if err := w.repo.UpdateMessage(ctx, m); err != nil {
		return "", err
	}
	return outcomeUpdated, nil
}

func (w *SyncWorker) applyContact(ctx context.Context, userID int64, c *models.Contact) (string, error) {
	c.UserID = userID
	existing, err := w.repo.FindContactByExternalID(ctx, userID, c.ExternalID)
	if errors.Is(err, database.ErrNotFound) {
		if err := w.repo.InsertContact(ctx, c); err != nil {
			return "", err
		}
		return outcomeInserted, nil
	}
	if err != nil {
		return "", err
	}
	if existing.Equal(*c) {
		return outcomeUnchanged, nil
	}
	if err := w.repo.UpdateContact(ctx, c); err != nil {
		return "", err
	}
	return outcomeUpdated, nil
}

// applyChange folds one delta entry into the mirror. Deletions happen only
// on an explicit tombstone, never inferred from absence.
func (w *SyncWorker) applyChange(ctx context.Context, userID int64, change models.DeltaChange) (string, error) {
	switch {
	case change.Message != nil && change.Deleted:
		if err := w.repo.DeleteMessageByExternalID(ctx, userID, change.Message.ExternalID); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	case change.Message != nil:
		return w.applyMessage(ctx, userID, change.Message)
	case change.Event != nil && change.Deleted:
		if err := w.repo.DeleteEventByExternalID(ctx, userID, change.Event.ExternalID); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	case change.Event != nil:
		return w.applyEvent(ctx, userID, change.Event)
	default:
		return outcomeUnchanged, nil
	}
}

func (w *SyncWorker) applyEvent(ctx context.Context, userID int64, e *models.CalendarEvent) (string, error) {
	e.UserID = userID
	existing, err := w.repo.FindEventByExternalID(ctx, userID, e.ExternalID)
	if errors.Is(err, database.ErrNotFound) {
		if err := w.repo.InsertEvent(ctx, e); err != nil {
			return "", err
		}
		return outcomeInserted, nil
	}
	if err != nil {
		return "", err
	}
	if eventEqual(existing, e) {
		return outcomeUnchanged, nil
	}
	if err := w.repo.UpdateEvent(ctx, e); err != nil {
		return "", err
	}
	return outcomeUpdated, nil
}

// handleJobError sorts an error into retry, terminal or quota-delay.
func (w *SyncWorker) handleJobError(ctx context.Context, job *models.SyncJob, cause error) {
	if qe, ok := domain.AsQuotaError(cause); ok {
		// Recoverable: re-enqueue after the limiter window opens and leave
		// the user's state at syncing, this is not an error condition. The
		// retry budget stays untouched, quota delays must never make the
		// next real fault terminal.
		next := time.Now().Add(qe.RetryAfter)
		if err := w.repo.PostponeJob(ctx, job.ID, cause.Error(), next); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("postpone job failed")
		}
		w.logger.Info().Str("job_id", job.ID).Dur("retry_after", qe.RetryAfter).
			Msg("quota exhausted, job delayed")
		return
	}

	if errors.Is(cause, domain.ErrAuthRevoked) {
		w.failJob(ctx, job, cause)
		return
	}

	attempt := job.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failJob(ctx, job, cause)
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobDelayed, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job delayed failed")
	}
	w.logger.Warn().Err(cause).Str("job_id", job.ID).Int("attempt", attempt).Msg("sync job will retry")
}

// failJob marks the job and the user's sync state as failed. Terminal: the
// error is kept for the status surface and the job goes to the dead letter
// list for inspection.
func (w *SyncWorker) failJob(ctx context.Context, job *models.SyncJob, cause error) {
	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed failed")
	}
	msg := cause.Error()
	if err := w.repo.SetSyncStatus(ctx, job.UserID, models.SyncErrored, &msg); err != nil {
		w.logger.Error().Err(err).Int64("user_id", job.UserID).Msg("set sync error failed")
	}
	w.pushDeadLetter(ctx, job)
	metrics.IncSyncJob(string(job.Type), "failed")

	if w.broadcaster != nil {
		w.broadcaster.Broadcast(broadcast.UserKey(job.UserID, "sync"), broadcast.EventSyncFailed, map[string]any{
			"job_id": job.ID,
			"type":   string(job.Type),
			"error":  msg,
		})
	}
}

func (w *SyncWorker) completeJob(ctx context.Context, job *models.SyncJob, summary models.SyncSummary) {
	if err := w.repo.UpdateJobProgress(ctx, job.ID, 1); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("update job progress failed")
	}
	if err := w.repo.UpdateJobStatus(ctx, job.ID, models.JobCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job completed failed")
	}

	counts, err := w.repo.CountMirror(ctx, job.UserID)
	if err != nil {
		w.logger.Error().Err(err).Int64("user_id", job.UserID).Msg("count mirror failed")
	} else if err := w.repo.UpdateSyncCounts(ctx, job.UserID, counts); err != nil {
		w.logger.Error().Err(err).Int64("user_id", job.UserID).Msg("update sync counts failed")
	}

	metrics.IncSyncJob(string(job.Type), "completed")
	if w.broadcaster != nil {
		w.broadcaster.Broadcast(broadcast.UserKey(job.UserID, "sync"), broadcast.EventSyncCompleted, map[string]any{
			"job_id":  job.ID,
			"type":    string(job.Type),
			"summary": summary,
		})
	}

	w.logger.Info().Str("job_id", job.ID).Str("type", string(job.Type)).
		Int("pages", summary.Pages).Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).Int("unchanged", summary.Unchanged).
		Int("persist_failures", summary.PersistFailures).Msg("sync job completed")
}

func (w *SyncWorker) reportProgress(ctx context.Context, job *models.SyncJob, progress float64, pages int) {
	if err := w.repo.UpdateJobProgress(ctx, job.ID, progress); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("update job progress failed")
	}
	if w.broadcaster != nil {
		w.broadcaster.Broadcast(broadcast.UserKey(job.UserID, "sync"), broadcast.EventSyncProgress, broadcast.SyncProgressPayload{
			JobID:    job.ID,
			UserID:   job.UserID,
			JobType:  string(job.Type),
			Progress: progress,
			Pages:    pages,
		})
	}
}

func (w *SyncWorker) pushRedis(ctx context.Context, job models.SyncJob) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, redisQueueKey, data).Err()
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, job *models.SyncJob) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("encode deadletter failed")
		return
	}
	if err := w.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("deadletter push failed")
	}
}

// translateMailError keeps the taxonomy errors and wraps everything else as
// a transient failure.
func translateMailError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsQuotaError(err); ok {
		return err
	}
	if errors.Is(err, domain.ErrCursorInvalidated) || errors.Is(err, domain.ErrAuthRevoked) {
		return err
	}
	return fmt.Errorf("external api: %w", err)
}

func messageEqual(a, b *models.EmailMessage) bool {
	if a.ThreadID != b.ThreadID || a.From != b.From || a.To != b.To ||
		a.Subject != b.Subject || a.Snippet != b.Snippet || !a.InternalAt.Equal(b.InternalAt) {
		return false
	}
	if len(a.Labels) != len(b.Labels) {
		return false
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			return false
		}
	}
	return true
}

func eventEqual(a, b *models.CalendarEvent) bool {
	return a.Title == b.Title && a.StartsAt.Equal(b.StartsAt) &&
		a.EndsAt.Equal(b.EndsAt) && a.Location == b.Location
}

func progressFraction(processed, totalEstimate int, nextToken string) float64 {
	if nextToken == "" {
		return 1
	}
	if totalEstimate > 0 && processed < totalEstimate {
		return float64(processed) / float64(totalEstimate)
	}
	// No estimate: report a bounded heuristic so observers see movement.
	p := float64(processed) / float64(processed+models.DefaultPageSize)
	if p > 0.99 {
		p = 0.99
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

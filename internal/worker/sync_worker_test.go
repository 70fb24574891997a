package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailmirror/internal/database"
	"mailmirror/internal/domain"
	"mailmirror/internal/models"
	"mailmirror/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeMail struct {
	mu sync.Mutex

	messagePages map[string]*models.MessagePage
	contactPages map[string]*models.ContactPage
	delta        *models.DeltaPage
	cursor       string

	listErr  error
	deltaErr error

	listCalls  []string
	deltaCalls int
}

func (f *fakeMail) ListMessages(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, pageToken)
	if f.listErr != nil {
		return nil, f.listErr
	}
	page, ok := f.messagePages[pageToken]
	if !ok {
		return &models.MessagePage{}, nil
	}
	return page, nil
}

func (f *fakeMail) ListContacts(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.ContactPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	page, ok := f.contactPages[pageToken]
	if !ok {
		return &models.ContactPage{}, nil
	}
	return page, nil
}

func (f *fakeMail) FetchDelta(ctx context.Context, userID int64, cursor string) (*models.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaCalls++
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	return f.delta, nil
}

func (f *fakeMail) LatestCursor(ctx context.Context, userID int64) (string, error) {
	return f.cursor, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	triggered []models.JobType
}

func (f *fakeScheduler) TriggerSync(ctx context.Context, userID int64, jobType models.JobType) (*models.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, jobType)
	return &models.SyncJob{ID: uuid.NewString(), UserID: userID, Type: jobType, Status: models.JobWaiting}, nil
}

func (f *fakeScheduler) StartRecurringSync(ctx context.Context, userID int64) error  { return nil }
func (f *fakeScheduler) StopRecurringSync(ctx context.Context, userID int64) error   { return nil }
func (f *fakeScheduler) CancelPendingSyncs(ctx context.Context, userID int64) (int, error) {
	return 0, nil
}
func (f *fakeScheduler) GetPendingSyncJobs(ctx context.Context, userID int64) ([]models.SyncJob, error) {
	return nil, nil
}

type workerHarness struct {
	worker *SyncWorker
	db     *database.DB
	mail   *fakeMail
	sched  *fakeScheduler
}

func newHarness(t *testing.T, limiterCfg ratelimit.Config) *workerHarness {
	t.Helper()

	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mail := &fakeMail{
		messagePages: make(map[string]*models.MessagePage),
		contactPages: make(map[string]*models.ContactPage),
		cursor:       "cursor-after-full",
	}
	sched := &fakeScheduler{}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())

	w := NewSyncWorker(db, mail, sched, limiter, limiterCfg, nil, nil,
		RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2},
		&logger)

	return &workerHarness{worker: w, db: db, mail: mail, sched: sched}
}

func enqueueJob(t *testing.T, h *workerHarness, userID int64, jobType models.JobType) models.SyncJob {
	t.Helper()
	ctx := context.Background()
	if _, err := h.db.EnsureSyncState(ctx, userID); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	job := &models.SyncJob{ID: uuid.NewString(), UserID: userID, Type: jobType}
	created, ok, err := h.db.CreateJobIfAbsent(ctx, job)
	if err != nil {
		t.Fatalf("CreateJobIfAbsent failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a fresh job, got existing %s", created.ID)
	}
	return *created
}

func wideLimit() ratelimit.Config {
	return ratelimit.Config{Window: time.Minute, MaxRequests: 1000}
}

func msg(externalID, subject string) models.EmailMessage {
	return models.EmailMessage{
		ExternalID: externalID,
		ThreadID:   "t-" + externalID,
		From:       "alice@example.com",
		To:         "bob@example.com",
		Subject:    subject,
		InternalAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestFullSyncPersistsAllPages(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.mail.messagePages[""] = &models.MessagePage{
		Messages:      []models.EmailMessage{msg("m1", "first"), msg("m2", "second")},
		NextPageToken: "page2",
		TotalEstimate: 3,
	}
	h.mail.messagePages["page2"] = &models.MessagePage{
		Messages: []models.EmailMessage{msg("m3", "third")},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	h.worker.processJob(ctx, job)

	done, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", done.Status, done.LastError)
	}
	if done.Progress != 1 {
		t.Fatalf("expected progress 1, got %v", done.Progress)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := h.db.FindMessageByExternalID(ctx, 1, id); err != nil {
			t.Fatalf("message %s not persisted: %v", id, err)
		}
	}

	state, err := h.db.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.Status != models.SyncIdle {
		t.Fatalf("expected idle after full sync, got %s", state.Status)
	}
	if state.Cursor != "cursor-after-full" {
		t.Fatalf("expected cursor pinned after enumeration, got %q", state.Cursor)
	}
	if state.Counts.Emails != 3 {
		t.Fatalf("expected email count 3, got %d", state.Counts.Emails)
	}
	if state.LastFullSyncAt == nil {
		t.Fatal("expected last_full_sync_at set")
	}

	if cp, _ := h.db.GetCheckpoint(ctx, 1, models.JobFull); cp != nil {
		t.Fatal("expected checkpoint removed after completion")
	}
}

func TestFullSyncResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.mail.messagePages[""] = &models.MessagePage{
		Messages:      []models.EmailMessage{msg("m1", "already seen")},
		NextPageToken: "page2",
	}
	h.mail.messagePages["page2"] = &models.MessagePage{
		Messages: []models.EmailMessage{msg("m2", "resume here")},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	err := h.db.SaveCheckpoint(ctx, &models.Checkpoint{
		UserID: 1, JobType: models.JobFull, PageToken: "page2", Progress: 0.5, StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	h.worker.processJob(ctx, job)

	if len(h.mail.listCalls) != 1 || h.mail.listCalls[0] != "page2" {
		t.Fatalf("expected a single fetch starting at page2, got %v", h.mail.listCalls)
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m1"); err == nil {
		t.Fatal("page before the checkpoint must not be re-fetched")
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m2"); err != nil {
		t.Fatalf("resumed page not persisted: %v", err)
	}
}

func TestFullSyncDiffSkipsUnchanged(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	existing := msg("m1", "same subject")
	existing.UserID = 1
	if err := h.db.InsertMessage(ctx, &existing); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	changed := msg("m2", "old subject")
	changed.UserID = 1
	if err := h.db.InsertMessage(ctx, &changed); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	h.mail.messagePages[""] = &models.MessagePage{
		Messages: []models.EmailMessage{
			msg("m1", "same subject"),
			msg("m2", "new subject"),
			msg("m3", "brand new"),
		},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	summary, err := h.worker.runFullSync(ctx, &job)
	if err != nil {
		t.Fatalf("runFullSync failed: %v", err)
	}
	if summary.Unchanged != 1 || summary.Updated != 1 || summary.Inserted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got, err := h.db.FindMessageByExternalID(ctx, 1, "m2")
	if err != nil {
		t.Fatalf("FindMessageByExternalID failed: %v", err)
	}
	if got.Subject != "new subject" {
		t.Fatalf("expected update applied, got subject %q", got.Subject)
	}
}

func TestFullSyncHonorsLabelAndAgeFilters(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	if _, err := h.db.EnsureSyncState(ctx, 1); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	err := h.db.SaveSyncConfig(ctx, 1, models.SyncConfig{
		ExcludedLabels: []string{"SPAM"},
		MaxAgeDays:     30,
	})
	if err != nil {
		t.Fatalf("SaveSyncConfig failed: %v", err)
	}

	fresh := msg("m-fresh", "recent and clean")
	fresh.InternalAt = time.Now().AddDate(0, 0, -1)
	spam := msg("m-spam", "excluded label")
	spam.InternalAt = time.Now().AddDate(0, 0, -1)
	spam.Labels = []string{"INBOX", "SPAM"}
	old := msg("m-old", "past the age cutoff")
	old.InternalAt = time.Now().AddDate(0, 0, -90)

	h.mail.messagePages[""] = &models.MessagePage{
		Messages: []models.EmailMessage{fresh, spam, old},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	summary, err := h.worker.runFullSync(ctx, &job)
	if err != nil {
		t.Fatalf("runFullSync failed: %v", err)
	}
	if summary.Inserted != 1 {
		t.Fatalf("expected one insert, got %+v", summary)
	}

	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m-fresh"); err != nil {
		t.Fatalf("matching message not persisted: %v", err)
	}
	for _, id := range []string{"m-spam", "m-old"} {
		if _, err := h.db.FindMessageByExternalID(ctx, 1, id); err == nil {
			t.Fatalf("filtered message %s must not be mirrored", id)
		}
	}
}

func TestIncrementalFiltersNewContentButAppliesTombstones(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	if _, err := h.db.EnsureSyncState(ctx, 1); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	if err := h.db.SaveSyncConfig(ctx, 1, models.SyncConfig{ExcludedLabels: []string{"SPAM"}}); err != nil {
		t.Fatalf("SaveSyncConfig failed: %v", err)
	}
	if err := h.db.SetSyncCursor(ctx, 1, "cursor-1"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}

	mirrored := msg("gone", "mirrored before the filter existed")
	mirrored.UserID = 1
	if err := h.db.InsertMessage(ctx, &mirrored); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	spam := msg("m-spam", "new but excluded")
	spam.Labels = []string{"SPAM"}
	wanted := msg("m-ok", "new and wanted")
	h.mail.delta = &models.DeltaPage{
		Changes: []models.DeltaChange{
			{Message: &spam},
			{Message: &wanted},
			{Message: &models.EmailMessage{ExternalID: "gone"}, Deleted: true},
		},
		NewCursor: "cursor-2",
	}

	job := enqueueJob(t, h, 1, models.JobIncremental)
	summary, err := h.worker.runIncrementalSync(ctx, &job)
	if err != nil {
		t.Fatalf("runIncrementalSync failed: %v", err)
	}
	if summary.Inserted != 1 || summary.Deleted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m-spam"); err == nil {
		t.Fatal("excluded message must not be mirrored")
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m-ok"); err != nil {
		t.Fatalf("wanted message not persisted: %v", err)
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "gone"); err == nil {
		t.Fatal("tombstone must apply regardless of filters")
	}
}

func TestQuotaDenialDelaysJobWithoutAdvancingCheckpoint(t *testing.T) {
	// One request per window: the first page consumes it, the second page
	// trips the limiter.
	h := newHarness(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	h.mail.messagePages[""] = &models.MessagePage{
		Messages:      []models.EmailMessage{msg("m1", "first")},
		NextPageToken: "page2",
	}
	h.mail.messagePages["page2"] = &models.MessagePage{
		Messages: []models.EmailMessage{msg("m2", "never reached")},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	h.worker.processJob(ctx, job)

	delayed, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if delayed.Status != models.JobDelayed {
		t.Fatalf("expected delayed, got %s", delayed.Status)
	}
	if delayed.NextRetryAt == nil || !delayed.NextRetryAt.After(time.Now()) {
		t.Fatalf("expected a future next_retry_at, got %v", delayed.NextRetryAt)
	}

	// The checkpoint still points at page2: the retry resumes exactly where
	// the denial happened.
	cp, err := h.db.GetCheckpoint(ctx, 1, models.JobFull)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp == nil || cp.PageToken != "page2" {
		t.Fatalf("expected checkpoint at page2, got %+v", cp)
	}

	// State stays syncing; quota exhaustion is not an error condition.
	state, err := h.db.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.Status != models.SyncRunning {
		t.Fatalf("expected syncing, got %s", state.Status)
	}
	if state.SyncError != nil {
		t.Fatalf("expected no sync error, got %q", *state.SyncError)
	}
}

func TestQuotaDelaysPreserveRetryBudget(t *testing.T) {
	// One request per short window: every run gets one page in and is then
	// denied, so the job is postponed over and over.
	h := newHarness(t, ratelimit.Config{Window: 20 * time.Millisecond, MaxRequests: 1})
	ctx := context.Background()

	tokens := []string{"", "p2", "p3", "p4", "p5"}
	for i, token := range tokens {
		page := &models.MessagePage{Messages: []models.EmailMessage{msg(uuid.NewString(), "m")}}
		if i < len(tokens)-1 {
			page.NextPageToken = tokens[i+1]
		}
		h.mail.messagePages[token] = page
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	for i := 0; i < 3; i++ {
		current, err := h.db.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		h.worker.processJob(ctx, *current)

		after, err := h.db.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if after.Status != models.JobDelayed {
			t.Fatalf("run %d: expected delayed, got %s", i, after.Status)
		}
		if after.RetryCount != 0 {
			t.Fatalf("run %d: quota delays must not consume retries, got %d", i, after.RetryCount)
		}
		// Let the limiter window and the postponement lapse.
		time.Sleep(30 * time.Millisecond)
	}

	// The first real fault after all that waiting is attempt one, not the
	// end of the budget.
	h.mail.listErr = context.DeadlineExceeded
	current, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	h.worker.processJob(ctx, *current)

	final, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != models.JobDelayed {
		t.Fatalf("expected a retryable delay, got %s", final.Status)
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", final.RetryCount)
	}
}

func TestStartRecoversJobsLeftActive(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mail.messagePages[""] = &models.MessagePage{
		Messages: []models.EmailMessage{msg("m1", "survives the crash")},
	}

	// Simulate a run that died mid-job: the row is active with nobody
	// working on it.
	job := enqueueJob(t, h, 1, models.JobFull)
	if err := h.db.UpdateJobStatus(ctx, job.ID, models.JobActive, "", nil); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	go h.worker.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.db.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status == models.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("orphaned job never recovered, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := h.db.FindMessageByExternalID(context.Background(), 1, "m1"); err != nil {
		t.Fatalf("recovered job did not persist: %v", err)
	}
}

func TestAuthRevokedFailsJobAndState(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.mail.listErr = domain.ErrAuthRevoked

	job := enqueueJob(t, h, 1, models.JobFull)
	h.worker.processJob(ctx, job)

	failed, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if failed.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}

	state, err := h.db.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.Status != models.SyncErrored {
		t.Fatalf("expected error status, got %s", state.Status)
	}
	if state.SyncError == nil {
		t.Fatal("expected sync error recorded")
	}
}

func TestTransientErrorRetriesThenFails(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.mail.listErr = context.DeadlineExceeded

	job := enqueueJob(t, h, 1, models.JobFull)
	h.worker.processJob(ctx, job)

	after, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if after.Status != models.JobDelayed {
		t.Fatalf("expected delayed on first transient failure, got %s", after.Status)
	}
	if after.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", after.RetryCount)
	}

	// Exhaust the remaining attempts.
	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		current, err := h.db.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		h.worker.processJob(ctx, *current)
	}

	final, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != models.JobFailed {
		t.Fatalf("expected failed after retries exhausted, got %s (retries=%d)", final.Status, final.RetryCount)
	}
}

func TestIncrementalAppliesDeltaAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	if _, err := h.db.EnsureSyncState(ctx, 1); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	if err := h.db.SetSyncCursor(ctx, 1, "cursor-1"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}

	stale := msg("gone", "to be deleted")
	stale.UserID = 1
	if err := h.db.InsertMessage(ctx, &stale); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	newMsg := msg("m-new", "incremental insert")
	h.mail.delta = &models.DeltaPage{
		Changes: []models.DeltaChange{
			{Message: &newMsg},
			{Message: &models.EmailMessage{ExternalID: "gone"}, Deleted: true},
		},
		NewCursor: "cursor-2",
	}

	job := enqueueJob(t, h, 1, models.JobIncremental)
	h.worker.processJob(ctx, job)

	done, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", done.Status, done.LastError)
	}

	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m-new"); err != nil {
		t.Fatalf("delta insert not persisted: %v", err)
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "gone"); err == nil {
		t.Fatal("tombstoned message should be deleted")
	}

	state, err := h.db.GetSyncState(ctx, 1)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.Cursor != "cursor-2" {
		t.Fatalf("expected cursor advanced to cursor-2, got %q", state.Cursor)
	}
}

func TestInvalidatedCursorFallsBackToFullSync(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	if _, err := h.db.EnsureSyncState(ctx, 1); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	if err := h.db.SetSyncCursor(ctx, 1, "ancient"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}
	h.mail.deltaErr = domain.ErrCursorInvalidated

	job := enqueueJob(t, h, 1, models.JobIncremental)
	h.worker.processJob(ctx, job)

	done, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Fatalf("fallback is not a job failure, got %s", done.Status)
	}

	h.sched.mu.Lock()
	triggered := append([]models.JobType(nil), h.sched.triggered...)
	h.sched.mu.Unlock()
	if len(triggered) != 1 || triggered[0] != models.JobFull {
		t.Fatalf("expected exactly one full sync trigger, got %v", triggered)
	}
}

func TestIncrementalWithoutCursorTriggersFull(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	job := enqueueJob(t, h, 1, models.JobIncremental)
	h.worker.processJob(ctx, job)

	h.sched.mu.Lock()
	triggered := append([]models.JobType(nil), h.sched.triggered...)
	h.sched.mu.Unlock()
	if len(triggered) != 1 || triggered[0] != models.JobFull {
		t.Fatalf("expected full sync trigger, got %v", triggered)
	}
	if h.mail.deltaCalls != 0 {
		t.Fatalf("no delta fetch expected without a cursor, got %d", h.mail.deltaCalls)
	}
}

func TestRecurringTickRunsIncremental(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	if _, err := h.db.EnsureSyncState(ctx, 1); err != nil {
		t.Fatalf("EnsureSyncState failed: %v", err)
	}
	if err := h.db.SetSyncCursor(ctx, 1, "cursor-1"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}
	h.mail.delta = &models.DeltaPage{NewCursor: "cursor-2"}

	job := enqueueJob(t, h, 1, models.JobRecurringTick)
	h.worker.processJob(ctx, job)

	if h.mail.deltaCalls != 1 {
		t.Fatalf("expected one delta fetch, got %d", h.mail.deltaCalls)
	}
	done, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestContactSyncDiffsEveryField(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	same := models.Contact{UserID: 1, ExternalID: "c1", Name: "Ann", Email: "ann@example.com", Phone: "111"}
	if err := h.db.InsertContact(ctx, &same); err != nil {
		t.Fatalf("InsertContact failed: %v", err)
	}
	phoneChanged := models.Contact{UserID: 1, ExternalID: "c2", Name: "Ben", Email: "ben@example.com", Phone: "222"}
	if err := h.db.InsertContact(ctx, &phoneChanged); err != nil {
		t.Fatalf("InsertContact failed: %v", err)
	}

	h.mail.contactPages[""] = &models.ContactPage{
		Contacts: []models.Contact{
			{ExternalID: "c1", Name: "Ann", Email: "ann@example.com", Phone: "111"},
			{ExternalID: "c2", Name: "Ben", Email: "ben@example.com", Phone: "333"},
			{ExternalID: "c3", Name: "Cid", Email: "cid@example.com"},
		},
	}

	job := enqueueJob(t, h, 1, models.JobContactSync)
	summary, err := h.worker.runContactSync(ctx, &job)
	if err != nil {
		t.Fatalf("runContactSync failed: %v", err)
	}
	if summary.Unchanged != 1 || summary.Updated != 1 || summary.Inserted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got, err := h.db.FindContactByExternalID(ctx, 1, "c2")
	if err != nil {
		t.Fatalf("FindContactByExternalID failed: %v", err)
	}
	if got.Phone != "333" {
		t.Fatalf("expected phone update applied, got %q", got.Phone)
	}
}

func TestCancelledJobIsSkipped(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.mail.messagePages[""] = &models.MessagePage{
		Messages: []models.EmailMessage{msg("m1", "should not land")},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	if _, err := h.db.CancelWaitingJobs(ctx, 1); err != nil {
		t.Fatalf("CancelWaitingJobs failed: %v", err)
	}

	h.worker.processJob(ctx, job)

	if len(h.mail.listCalls) != 0 {
		t.Fatalf("cancelled job must not fetch, got %d calls", len(h.mail.listCalls))
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m1"); err == nil {
		t.Fatal("cancelled job must not persist anything")
	}
}

func TestNotifyJobFallsBackToLocalQueue(t *testing.T) {
	h := newHarness(t, wideLimit())

	job := models.SyncJob{ID: uuid.NewString(), UserID: 1, Type: models.JobFull}
	h.worker.NotifyJob(context.Background(), job)

	got, ok := h.worker.tryLocalQueue()
	if !ok {
		t.Fatal("expected job on the local queue without redis")
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}
}

// failingRepo wraps the real store but refuses to insert one external id.
type failingRepo struct {
	domain.Repository
	failID string
}

func (r *failingRepo) InsertMessage(ctx context.Context, m *models.EmailMessage) error {
	if m.ExternalID == r.failID {
		return errors.New("disk full")
	}
	return r.Repository.InsertMessage(ctx, m)
}

func TestPersistFailureDoesNotAbortPage(t *testing.T) {
	h := newHarness(t, wideLimit())
	ctx := context.Background()

	h.worker.repo = &failingRepo{Repository: h.db, failID: "bad"}
	h.mail.messagePages[""] = &models.MessagePage{
		Messages: []models.EmailMessage{
			msg("m1", "fine"),
			msg("bad", "will not land"),
			msg("m2", "also fine"),
		},
	}

	job := enqueueJob(t, h, 1, models.JobFull)
	summary, err := h.worker.runFullSync(ctx, &job)
	if err != nil {
		t.Fatalf("runFullSync failed: %v", err)
	}
	if summary.PersistFailures != 1 {
		t.Fatalf("expected one persist failure, got %+v", summary)
	}
	if summary.Inserted != 2 {
		t.Fatalf("expected two inserts, got %+v", summary)
	}
	if _, err := h.db.FindMessageByExternalID(ctx, 1, "m2"); err != nil {
		t.Fatalf("records after the failure must still land: %v", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mailmirror/internal/approval"
	"mailmirror/internal/broadcast"
	"mailmirror/internal/config"
	"mailmirror/internal/database"
	"mailmirror/internal/domain"
	"mailmirror/internal/metrics"
	"mailmirror/internal/models"
	"mailmirror/internal/ratelimit"

	"github.com/rs/zerolog"
)

// HTTPServer is the management surface: sync triggers, status, approvals
// and the per-user event stream.
type HTTPServer struct {
	cfg         config.APIConfig
	repo        domain.Repository
	scheduler   domain.Scheduler
	approvals   *approval.Manager
	limiter     *ratelimit.Limiter
	syncCfg     ratelimit.Config
	broadcaster *broadcast.Broadcaster
	invalidator domain.CredentialInvalidator
	logger      *zerolog.Logger
	server      *http.Server
	auth        *HTTPAuth
}

func NewHTTPServer(
	cfg config.APIConfig,
	repo domain.Repository,
	sched domain.Scheduler,
	approvals *approval.Manager,
	limiter *ratelimit.Limiter,
	syncCfg ratelimit.Config,
	broadcaster *broadcast.Broadcaster,
	invalidator domain.CredentialInvalidator,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:         cfg,
		repo:        repo,
		scheduler:   sched,
		approvals:   approvals,
		limiter:     limiter,
		syncCfg:     syncCfg,
		broadcaster: broadcaster,
		invalidator: invalidator,
		logger:      logger,
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	mux.HandleFunc("POST /api/v1/users/{user_id}/sync", srv.handleTriggerSync)
	mux.HandleFunc("POST /api/v1/users/{user_id}/sync/cancel", srv.handleCancelSync)
	mux.HandleFunc("POST /api/v1/users/{user_id}/sync/recurring", srv.handleRecurring)
	mux.HandleFunc("POST /api/v1/users/{user_id}/sync/reset", srv.handleResetSync)
	mux.HandleFunc("PUT /api/v1/users/{user_id}/sync/config", srv.handleSyncConfig)
	mux.HandleFunc("GET /api/v1/users/{user_id}/sync/status", srv.handleSyncStatus)
	mux.HandleFunc("GET /api/v1/users/{user_id}/sync/jobs", srv.handleSyncJobs)
	mux.HandleFunc("GET /api/v1/users/{user_id}/events", srv.handleEvents)

	mux.HandleFunc("POST /api/v1/users/{user_id}/approvals", srv.handleCreateApproval)
	mux.HandleFunc("GET /api/v1/users/{user_id}/approvals", srv.handleListApprovals)
	mux.HandleFunc("GET /api/v1/users/{user_id}/approvals/stats", srv.handleApprovalStats)
	mux.HandleFunc("GET /api/v1/users/{user_id}/approvals/{id}", srv.handleGetApproval)
	mux.HandleFunc("POST /api/v1/users/{user_id}/approvals/{id}/approve", srv.handleApprove)
	mux.HandleFunc("POST /api/v1/users/{user_id}/approvals/{id}/reject", srv.handleReject)
	mux.HandleFunc("POST /api/v1/users/{user_id}/approvals/{id}/cancel", srv.handleCancelApproval)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Type == "" {
		body.Type = string(models.JobFull)
	}
	jobType, err := models.ParseJobType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.scheduler.TriggerSync(r.Context(), userID, jobType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	cancelled, err := s.scheduler.CancelPendingSyncs(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func (s *HTTPServer) handleRecurring(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if body.Enabled {
		err = s.scheduler.StartRecurringSync(r.Context(), userID)
	} else {
		err = s.scheduler.StopRecurringSync(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recurring_enabled": body.Enabled})
}

// handleSyncConfig replaces the user's mirror filters. They take effect on
// the next sync run; already mirrored content is untouched.
func (s *HTTPServer) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		IncludedLabels  []string `json:"included_labels"`
		ExcludedLabels  []string `json:"excluded_labels"`
		MaxAgeDays      int      `json:"max_age_days"`
		SkipAttachments bool     `json:"skip_attachments"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.MaxAgeDays < 0 {
		writeError(w, http.StatusBadRequest, "max_age_days must not be negative")
		return
	}

	if _, err := s.repo.EnsureSyncState(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cfg := models.SyncConfig{
		IncludedLabels:  body.IncludedLabels,
		ExcludedLabels:  body.ExcludedLabels,
		MaxAgeDays:      body.MaxAgeDays,
		SkipAttachments: body.SkipAttachments,
	}
	if err := s.repo.SaveSyncConfig(r.Context(), userID, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

// handleResetSync is the reconnect path: cancel queued work, drop cursors
// and checkpoints and evict the cached API client so the next sync starts
// from scratch with fresh credentials.
func (s *HTTPServer) handleResetSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	cancelled, err := s.scheduler.CancelPendingSyncs(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, jobType := range []models.JobType{models.JobFull, models.JobContactSync} {
		if err := s.repo.DeleteCheckpoint(r.Context(), userID, jobType); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if _, err := s.repo.EnsureSyncState(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.repo.ResetSyncState(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(userID)
	}

	s.logger.Info().Int64("user_id", userID).Int("cancelled", cancelled).Msg("sync state reset")
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "cancelled": cancelled})
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	state, err := s.repo.GetSyncState(r.Context(), userID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no sync state for user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"state": state}

	// Peek, not consume: reading status must never burn sync quota.
	verdict, err := s.limiter.Peek(r.Context(), ratelimit.Key(models.RateClassSync, userID), s.syncCfg)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("rate limit peek failed")
	} else {
		resp["rate_limit"] = verdict
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSyncJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	jobs, err := s.scheduler.GetPendingSyncJobs(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleEvents streams sync and approval events for one user as SSE until
// the client disconnects.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan streamEvent, 32)
	sink := func(event string, payload any) {
		select {
		case events <- streamEvent{name: event, payload: payload}:
		default:
			// Slow consumer: drop rather than block the broadcaster.
		}
	}
	unsubSync := s.broadcaster.Register(broadcast.UserKey(userID, "sync"), sink)
	defer unsubSync()
	unsubApprovals := s.broadcaster.Register(broadcast.UserKey(userID, "approvals"), sink)
	defer unsubApprovals()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev.payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
			flusher.Flush()
		}
	}
}

type streamEvent struct {
	name    string
	payload any
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(r.URL.Path)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func userIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return userID, true
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE working through the logging middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

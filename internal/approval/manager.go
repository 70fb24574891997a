package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/broadcast"
	"mailmirror/internal/database"
	"mailmirror/internal/domain"
	"mailmirror/internal/metrics"
	"mailmirror/internal/models"
	"mailmirror/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrRateLimited is returned when the create quota for the user is
	// exhausted. RetryAfter rides along in the wrapped QuotaError.
	ErrRateLimited = errors.New("approval creation rate limited")

	// ErrExpired is returned when a decision arrives after the approval's
	// expiry, whether or not the sweep has already made that durable.
	ErrExpired = errors.New("approval expired")
)

// Manager owns the approval lifecycle: creation under the shared rate
// limiter, the one-way pending -> terminal transition, the expiry sweep and
// the optional auto-execution of approved actions.
type Manager struct {
	repo        domain.Repository
	limiter     *ratelimit.Limiter
	limiterCfg  ratelimit.Config
	executor    domain.ActionExecutor
	broadcaster domain.ProgressPublisher
	defaultTTL  time.Duration
	logger      *zerolog.Logger
}

func NewManager(
	repo domain.Repository,
	limiter *ratelimit.Limiter,
	limiterCfg ratelimit.Config,
	executor domain.ActionExecutor,
	broadcaster domain.ProgressPublisher,
	defaultTTL time.Duration,
	logger *zerolog.Logger,
) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = models.DefaultApprovalTTL
	}
	return &Manager{
		repo:        repo,
		limiter:     limiter,
		limiterCfg:  limiterCfg,
		executor:    executor,
		broadcaster: broadcaster,
		defaultTTL:  defaultTTL,
		logger:      logger,
	}
}

// Create validates the payload, burns one unit of the user's create quota
// and persists a pending approval. Validation runs before the quota so a
// malformed request costs nothing.
func (m *Manager) Create(ctx context.Context, userID int64, payload models.ActionPayload, ttl time.Duration) (*models.Approval, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	verdict, err := m.limiter.Consume(ctx, ratelimit.Key(models.RateClassApprovalCreate, userID), m.limiterCfg)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		metrics.IncRateLimitDenial(models.RateClassApprovalCreate)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, (&domain.QuotaError{RetryAfter: verdict.RetryAfter}).Error())
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	a := &models.Approval{
		ID:        uuid.NewString(),
		UserID:    userID,
		Payload:   payload,
		Status:    models.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.repo.CreateApproval(ctx, a); err != nil {
		return nil, err
	}

	m.publish(userID, broadcast.EventApprovalCreated, a)
	m.logger.Info().Str("approval_id", a.ID).Int64("user_id", userID).
		Str("action", string(payload.Type)).Time("expires_at", a.ExpiresAt).Msg("approval created")
	return a, nil
}

// Approve moves the approval to approved; when autoExecute is set the action
// runs immediately and its result is recorded on the same record. A failed
// execution does not revert the approval.
func (m *Manager) Approve(ctx context.Context, userID int64, id, decidedBy, notes string, autoExecute bool) (*models.Approval, error) {
	a, err := m.decide(ctx, userID, id, models.ApprovalApproved, decidedBy, notes)
	if err != nil {
		return nil, err
	}

	if autoExecute && m.executor != nil {
		result := m.executor.Execute(ctx, userID, a.Payload)
		if result == nil {
			result = &models.ExecutionResult{Success: false, ErrorMessage: "executor returned no result"}
		}
		if result.ExecutedAt == nil {
			now := time.Now()
			result.ExecutedAt = &now
		}
		if err := m.repo.SetExecutionResult(ctx, id, result); err != nil {
			m.logger.Error().Err(err).Str("approval_id", id).Msg("record execution result failed")
		} else {
			a.ExecutionResult = result
		}
		if !result.Success {
			m.logger.Warn().Str("approval_id", id).Str("error", result.ErrorMessage).
				Msg("approved action execution failed")
		}
		m.publish(userID, broadcast.EventApprovalExecuted, a)
	}
	return a, nil
}

// Reject moves the approval to rejected.
func (m *Manager) Reject(ctx context.Context, userID int64, id, decidedBy, notes string) (*models.Approval, error) {
	return m.decide(ctx, userID, id, models.ApprovalRejected, decidedBy, notes)
}

// Cancel withdraws a pending approval, typically by its originator.
func (m *Manager) Cancel(ctx context.Context, userID int64, id, decidedBy string) (*models.Approval, error) {
	return m.decide(ctx, userID, id, models.ApprovalCancelled, decidedBy, "")
}

// decide is the single transition path. The repository's status guard makes
// the transition one-way: a record that already left pending yields
// ErrAlreadyProcessed, an expired one yields ErrExpired.
func (m *Manager) decide(ctx context.Context, userID int64, id string, to models.ApprovalStatus, decidedBy, notes string) (*models.Approval, error) {
	// Ownership check first so a foreign id reads as not-found, not as a
	// state conflict.
	a, err := m.repo.GetApproval(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.ApprovalExpired {
		return nil, ErrExpired
	}

	// Expiry is effective at decision time. A pending record past its
	// deadline gets expired here rather than decided, even if the periodic
	// sweep has not reached it yet.
	if a.Status == models.ApprovalPending && time.Now().After(a.ExpiresAt) {
		err := m.repo.TransitionApproval(ctx, id, models.ApprovalExpired, "", "", time.Now())
		switch {
		case err == nil:
			metrics.IncApprovalTransition(string(models.ApprovalExpired))
			m.logger.Info().Str("approval_id", id).Msg("approval expired at decision time")
			return nil, ErrExpired
		case errors.Is(err, database.ErrAlreadyProcessed):
			// Lost to a concurrent decision or the sweep; re-read below.
			if cur, gerr := m.repo.GetApproval(ctx, userID, id); gerr == nil && cur.Status == models.ApprovalExpired {
				return nil, ErrExpired
			}
			return nil, err
		default:
			return nil, err
		}
	}

	if err := m.repo.TransitionApproval(ctx, id, to, decidedBy, notes, time.Now()); err != nil {
		if errors.Is(err, database.ErrAlreadyProcessed) {
			// The sweep may have won the race; keep the error expiry-specific
			// when it did.
			if cur, gerr := m.repo.GetApproval(ctx, userID, id); gerr == nil && cur.Status == models.ApprovalExpired {
				return nil, ErrExpired
			}
			m.logger.Debug().Str("approval_id", id).Str("target", string(to)).
				Msg("transition lost to an earlier decision")
		}
		return nil, err
	}
	metrics.IncApprovalTransition(string(to))

	a, err = m.repo.GetApproval(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	m.publish(userID, broadcast.EventApprovalDecided, a)
	m.logger.Info().Str("approval_id", id).Str("status", string(to)).
		Str("decided_by", decidedBy).Msg("approval decided")
	return a, nil
}

// Get returns one approval scoped to its owner.
func (m *Manager) Get(ctx context.Context, userID int64, id string) (*models.Approval, error) {
	return m.repo.GetApproval(ctx, userID, id)
}

// List returns the user's approvals, optionally filtered by status.
func (m *Manager) List(ctx context.Context, userID int64, status *models.ApprovalStatus, limit, offset int) ([]models.Approval, error) {
	return m.repo.ListApprovals(ctx, userID, status, limit, offset)
}

// Stats returns the per-status breakdown for the user.
func (m *Manager) Stats(ctx context.Context, userID int64) (*models.ApprovalStats, error) {
	return m.repo.ApprovalStats(ctx, userID)
}

// SweepExpired expires overdue pending approvals once and reports the count.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.repo.ExpireApprovals(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.IncApprovalTransition(string(models.ApprovalExpired))
		m.logger.Info().Int("expired", n).Msg("pending approvals expired")
	}
	return n, nil
}

// StartSweeper runs SweepExpired on an interval until ctx is done. Expiry is
// effective at read time through ExpiresAt regardless; the sweep only makes
// it durable and observable.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = models.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error().Err(err).Msg("approval expiry sweep failed")
			}
		}
	}
}

func (m *Manager) publish(userID int64, event string, a *models.Approval) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Broadcast(broadcast.UserKey(userID, "approvals"), event, a)
}

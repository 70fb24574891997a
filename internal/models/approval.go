package models

import (
	"errors"
	"strings"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalExpired   ApprovalStatus = "expired"
)

// Terminal reports whether the approval can no longer transition.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

type ActionType string

const (
	ActionSendEmail   ActionType = "send_email"
	ActionCreateEvent ActionType = "create_event"
	ActionUpdateEvent ActionType = "update_event"
)

// ActionPayload describes the proposed side effect. The core treats the
// parameters as opaque beyond shape validation; the executor interprets them.
type ActionPayload struct {
	Type    ActionType     `json:"type"`
	Summary string         `json:"summary"`
	Params  map[string]any `json:"params,omitempty"`
	DraftID string         `json:"draft_id,omitempty"`
}

// Validate checks payload shape before any state mutation or quota use.
func (p ActionPayload) Validate() error {
	switch p.Type {
	case ActionSendEmail, ActionCreateEvent, ActionUpdateEvent:
	default:
		return errors.New("unknown action type")
	}
	if strings.TrimSpace(p.Summary) == "" {
		return errors.New("action summary is required")
	}
	return nil
}

// ExecutionResult records the outcome of an auto-executed action. A failed
// execution leaves the approval approved; the failure is recorded here.
type ExecutionResult struct {
	Success      bool       `json:"success"`
	MessageID    string     `json:"message_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// Approval is a proposed side-effecting action awaiting a decision.
// Status moves pending -> {approved, rejected, cancelled, expired} exactly once.
type Approval struct {
	ID              string           `json:"id"`
	UserID          int64            `json:"user_id"`
	Payload         ActionPayload    `json:"payload"`
	Status          ApprovalStatus   `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	DecidedBy       string           `json:"decided_by,omitempty"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty"`
	DecisionNotes   string           `json:"decision_notes,omitempty"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
}

// ApprovalStats is the per-user breakdown for the stats surface.
type ApprovalStats struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Total     int `json:"total"`
}

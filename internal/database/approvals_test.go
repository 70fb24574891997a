package database

import (
	"context"
	"testing"
	"time"

	"mailmirror/internal/models"

	"github.com/google/uuid"
)

func newApproval(userID int64, expiresAt time.Time) *models.Approval {
	return &models.Approval{
		ID:     uuid.NewString(),
		UserID: userID,
		Payload: models.ActionPayload{
			Type:    models.ActionSendEmail,
			Summary: "send follow-up",
			Params:  map[string]any{"to": "someone@example.com"},
		},
		Status:    models.ApprovalPending,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newApproval(1, time.Now().Add(time.Hour))
	if err := db.CreateApproval(ctx, a); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	got, err := db.GetApproval(ctx, 1, a.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != models.ApprovalPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.Payload.Type != models.ActionSendEmail || got.Payload.Summary != "send follow-up" {
		t.Fatalf("payload mangled: %+v", got.Payload)
	}
	if got.Payload.Params["to"] != "someone@example.com" {
		t.Fatalf("params mangled: %+v", got.Payload.Params)
	}

	// Scoped to the owner.
	if _, err := db.GetApproval(ctx, 2, a.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestTransitionApprovalIsOneWay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newApproval(1, time.Now().Add(time.Hour))
	if err := db.CreateApproval(ctx, a); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	if err := db.TransitionApproval(ctx, a.ID, models.ApprovalApproved, "reviewer", "ok", time.Now()); err != nil {
		t.Fatalf("TransitionApproval failed: %v", err)
	}

	// A second decision of any kind loses the race.
	for _, to := range []models.ApprovalStatus{models.ApprovalRejected, models.ApprovalCancelled, models.ApprovalApproved} {
		if err := db.TransitionApproval(ctx, a.ID, to, "reviewer", "", time.Now()); err != ErrAlreadyProcessed {
			t.Fatalf("transition to %s: expected ErrAlreadyProcessed, got %v", to, err)
		}
	}

	got, err := db.GetApproval(ctx, 1, a.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != models.ApprovalApproved || got.DecidedBy != "reviewer" || got.DecidedAt == nil {
		t.Fatalf("first decision must stick: %+v", got)
	}
}

func TestSetExecutionResultSurvivesReads(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newApproval(1, time.Now().Add(time.Hour))
	if err := db.CreateApproval(ctx, a); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}
	if err := db.TransitionApproval(ctx, a.ID, models.ApprovalApproved, "reviewer", "", time.Now()); err != nil {
		t.Fatalf("TransitionApproval failed: %v", err)
	}

	executedAt := time.Now()
	result := &models.ExecutionResult{Success: false, ErrorMessage: "smtp unreachable", ExecutedAt: &executedAt}
	if err := db.SetExecutionResult(ctx, a.ID, result); err != nil {
		t.Fatalf("SetExecutionResult failed: %v", err)
	}

	got, err := db.GetApproval(ctx, 1, a.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.ExecutionResult == nil || got.ExecutionResult.Success || got.ExecutionResult.ErrorMessage != "smtp unreachable" {
		t.Fatalf("execution result not durable: %+v", got.ExecutionResult)
	}
	// The failed execution does not revert the decision.
	if got.Status != models.ApprovalApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
}

func TestExpireApprovalsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	overdue := newApproval(1, time.Now().Add(-time.Minute))
	fresh := newApproval(1, time.Now().Add(time.Hour))
	decided := newApproval(1, time.Now().Add(-time.Minute))
	for _, a := range []*models.Approval{overdue, fresh, decided} {
		if err := db.CreateApproval(ctx, a); err != nil {
			t.Fatalf("CreateApproval failed: %v", err)
		}
	}
	if err := db.TransitionApproval(ctx, decided.ID, models.ApprovalRejected, "reviewer", "", time.Now()); err != nil {
		t.Fatalf("TransitionApproval failed: %v", err)
	}

	n, err := db.ExpireApprovals(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	got, err := db.GetApproval(ctx, 1, overdue.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != models.ApprovalExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	// Already-decided rows are left alone.
	if got, _ := db.GetApproval(ctx, 1, decided.ID); got.Status != models.ApprovalRejected {
		t.Fatalf("decided approval must not expire, got %s", got.Status)
	}

	n, err = db.ExpireApprovals(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep must find nothing, got %d", n)
	}
}

func TestListApprovalsFiltersAndPaginates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := newApproval(1, time.Now().Add(time.Hour))
		a.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := db.CreateApproval(ctx, a); err != nil {
			t.Fatalf("CreateApproval failed: %v", err)
		}
		if i == 0 {
			if err := db.TransitionApproval(ctx, a.ID, models.ApprovalApproved, "reviewer", "", time.Now()); err != nil {
				t.Fatalf("TransitionApproval failed: %v", err)
			}
		}
	}

	pending := models.ApprovalPending
	list, err := db.ListApprovals(ctx, 1, &pending, 10, 0)
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list))
	}

	page, err := db.ListApprovals(ctx, 1, nil, 2, 0)
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected a page of 2, got %d", len(page))
	}

	stats, err := db.ApprovalStats(ctx, 1)
	if err != nil {
		t.Fatalf("ApprovalStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Approved != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

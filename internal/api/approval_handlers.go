package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"mailmirror/internal/approval"
	"mailmirror/internal/database"
	"mailmirror/internal/models"
)

func (s *HTTPServer) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		Payload          models.ActionPayload `json:"payload"`
		ExpiresInMinutes int                  `json:"expires_in_minutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := time.Duration(body.ExpiresInMinutes) * time.Minute
	a, err := s.approvals.Create(r.Context(), userID, body.Payload, ttl)
	if err != nil {
		if errors.Is(err, approval.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *HTTPServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var status *models.ApprovalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.ApprovalStatus(raw)
		switch st {
		case models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected,
			models.ApprovalCancelled, models.ApprovalExpired:
			status = &st
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := s.approvals.List(r.Context(), userID, status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *HTTPServer) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	stats, err := s.approvals.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	a, err := s.approvals.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		DecidedBy   string `json:"decided_by"`
		Notes       string `json:"notes"`
		AutoExecute bool   `json:"auto_execute"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.approvals.Approve(r.Context(), userID, r.PathValue("id"), body.DecidedBy, body.Notes, body.AutoExecute)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		DecidedBy string `json:"decided_by"`
		Notes     string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.approvals.Reject(r.Context(), userID, r.PathValue("id"), body.DecidedBy, body.Notes)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromPath(w, r)
	if !ok {
		return
	}

	var body struct {
		DecidedBy string `json:"decided_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.approvals.Cancel(r.Context(), userID, r.PathValue("id"), body.DecidedBy)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusGone, "approval expired")
	case errors.Is(err, database.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "approval already processed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

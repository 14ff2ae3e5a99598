package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/activity-migrator/internal/service"
)

// handleEnqueueMigration handles POST /api/users/{userId}/migration
func (s *Server) handleEnqueueMigration(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var req service.EnqueueInput
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	progress, err := s.migrations.Enqueue(r.Context(), userID, req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, progress)
}

// handleGetMigration handles GET /api/users/{userId}/migration
func (s *Server) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	status, err := s.migrations.GetStatus(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// handleCancelMigration handles DELETE /api/users/{userId}/migration
func (s *Server) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	removed, err := s.migrations.Cancel(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":    userID,
		"cancelled": removed > 0,
		"removed":   removed,
	})
}

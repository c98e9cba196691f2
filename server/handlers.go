package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/workmesh/exo/registry"
	"github.com/workmesh/exo/version"
)

// createAssignmentRequest selects a project either directly by ID or by
// escrow address plus chain ID.
type createAssignmentRequest struct {
	WalletAddress string `json:"wallet_address"`
	ProjectID     string `json:"project_id,omitempty"`
	EscrowAddress string `json:"escrow_address,omitempty"`
	ChainID       int64  `json:"chain_id,omitempty"`
}

type createAssignmentResponse struct {
	AssignmentID string    `json:"assignment_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// handleCreateAssignment binds one available job to the requesting worker.
// 201 with the assignment on success, 200 with no_work_available when the
// project has nothing to hand out.
func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req createAssignmentRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}
	sel := registry.ProjectSelector{
		ProjectID:     req.ProjectID,
		EscrowAddress: req.EscrowAddress,
		ChainID:       req.ChainID,
	}
	if sel.ProjectID == "" && sel.EscrowAddress == "" {
		writeError(w, http.StatusBadRequest, "project_id or escrow_address is required")
		return
	}

	result, err := s.coordinator.CreateAssignment(r.Context(), sel, req.WalletAddress)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to create assignment", http.StatusInternalServerError)
		return
	}
	if result.NoWork {
		writeJSON(w, http.StatusOK, map[string]bool{"no_work_available": true})
		return
	}
	writeJSON(w, http.StatusCreated, createAssignmentResponse{
		AssignmentID: result.AssignmentID,
		ExpiresAt:    result.ExpiresAt,
	})
}

// handleListJobs lists projects with at least one free job.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	summaries, err := s.coordinator.ListAvailableJobs(r.Context())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleWorkerJobs lists the requesting worker's unfinished assignments.
// Route shape: /api/workers/{wallet}/jobs
func (s *Server) handleWorkerJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/workers/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "jobs" {
		writeError(w, http.StatusBadRequest, "Invalid path: expected /api/workers/{wallet}/jobs")
		return
	}

	summaries, err := s.coordinator.ListJobsForWorker(r.Context(), parts[0])
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list worker jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type registerRequest struct {
	WalletAddress string `json:"wallet_address"`
	EngineID      int64  `json:"engine_id"`
}

// handleRegister creates a worker bound to an engine identity.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	worker, err := s.coordinator.RegisterWorker(r.Context(), req.WalletAddress, req.EngineID)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to register worker", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"wallet_address": worker.WalletAddress,
	})
}

// handleHealth reports liveness plus build info.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    version.Get(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"ws_clients": s.hub.clientCount(),
	})
}

// handleStats reports registry row counts and sweep progress.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.registry.GetStats(r.Context())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to collect stats", http.StatusInternalServerError)
		return
	}
	payload := map[string]interface{}{"registry": stats}
	if s.sweeper != nil {
		payload["sweep"] = s.sweeper.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

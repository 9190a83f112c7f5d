package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

func (s *Server) handleVMStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.VMStatus())
}

func (s *Server) handleVMStart(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("vm start requested")
	state, err := s.engine.StartVM(r.Context())
	if err != nil {
		s.logger.Error("vm start", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) handleVMStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("vm stop requested")
	if err := s.engine.StopVM(r.Context()); err != nil {
		s.logger.Error("vm stop", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createSnapshotRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeValidationError(w, "snapshot name is required", nil)
		return
	}
	s.logger.Info("snapshot requested", "name", req.Name)
	if err := s.engine.CreateSnapshot(r.Context(), req.Name); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

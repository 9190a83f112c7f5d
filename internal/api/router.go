package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sandboxlab/detonate/internal/config"
	"github.com/sandboxlab/detonate/internal/metrics"
)

type Server struct {
	cfg     *config.Config
	engine  EngineService
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, eng EngineService, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// Job routes (with auth)
	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/report", s.handleGetReport)
	s.mux.HandleFunc("GET /v1/jobs/{id}/artifacts", s.handleListArtifacts)
	s.mux.HandleFunc("GET /v1/jobs/{id}/artifacts/{filename}", s.handleFetchArtifact)

	// VM administration (with auth)
	s.mux.HandleFunc("GET /v1/vm/status", s.handleVMStatus)
	s.mux.HandleFunc("POST /v1/vm/start", s.handleVMStart)
	s.mux.HandleFunc("POST /v1/vm/stop", s.handleVMStop)
	s.mux.HandleFunc("POST /v1/vm/snapshots", s.handleCreateSnapshot)

	// Health check and metrics (no auth)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	available, reason := s.engine.Available()
	body := map[string]any{
		"status":             "ok",
		"analysis_available": available && s.engine.VMStatus().AnalysisAvailable,
	}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package server exposes the assessment API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/cache"
	"github.com/user/comply-core/pkg/escalation"
	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
	"github.com/user/comply-core/pkg/orchestrator"
	"github.com/user/comply-core/pkg/store"
)

// Server routes HTTP requests to the orchestrator and stores.
type Server struct {
	orch   *orchestrator.Orchestrator
	store  *store.Store
	graphs *graph.Store
	cache  *cache.ResultCache
	log    *zap.Logger
	http   *http.Server
}

// New builds the server with its routes registered. resultCache may be nil.
func New(addr string, orch *orchestrator.Orchestrator, st *store.Store, graphs *graph.Store, resultCache *cache.ResultCache, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		store:  st,
		graphs: graphs,
		cache:  resultCache,
		log:    log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /assess", s.handleAssess)
	mux.HandleFunc("GET /assess/{id}", s.handleGet)
	mux.HandleFunc("GET /assess/{id}/decisions", s.handleDecisions)
	mux.HandleFunc("GET /assess/{id}/annotations", s.handleAnnotations)
	mux.HandleFunc("POST /assess/{id}/review", s.handleReview)
	mux.HandleFunc("POST /graph/publish", s.handlePublish)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.graphs.Current(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "no knowledge graph snapshot published")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var req model.AssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.orch.Assess(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Get(id); err != nil {
		s.writeErr(w, err)
		return
	}
	decisions, err := s.store.Decisions(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Get(id); err != nil {
		s.writeErr(w, err)
		return
	}
	annotations, err := s.store.Annotations(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, annotations)
}

type reviewRequest struct {
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.ReviewerID == "" {
		s.writeError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}

	res, err := s.orch.Review(r.PathValue("id"), escalation.ReviewDecision(body.Decision), body.ReviewerID, body.Notes)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var bundle graph.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid bundle: "+err.Error())
		return
	}
	snap, err := s.graphs.Publish(bundle)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.cache != nil {
		dropped := s.cache.InvalidateSnapshot(snap.Version())
		s.log.Info("cache invalidated after publish",
			zap.Int64("version", snap.Version()), zap.Int("dropped", dropped))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":    snap.Version(),
		"frameworks": snap.FrameworkIDs(),
	})
}

// writeErr maps domain errors to status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case orchestrator.IsValidationError(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, graph.ErrNoSnapshot):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, escalation.ErrInvalidTransition), errors.Is(err, escalation.ErrIntegrityViolation):
		s.writeError(w, http.StatusConflict, err.Error())
	case graph.IsIntegrityError(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

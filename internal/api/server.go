// Package api exposes the HTTP interface for the acquisition service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/config"
	"github.com/draftforge/webintel/internal/intel"
	"github.com/draftforge/webintel/internal/ledger"
	"github.com/draftforge/webintel/internal/metrics"
	"github.com/draftforge/webintel/internal/orchestrator"
	"github.com/draftforge/webintel/internal/session"
)

// Runner starts and aborts acquisition jobs.
type Runner interface {
	Run(ctx context.Context, job orchestrator.JobConfig) (*orchestrator.JobReport, error)
	Abort(ctx context.Context, sessionID, reason string) error
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router   chi.Router
	runner   Runner
	sessions *session.Manager
	store    intel.SessionStore
	cfg      config.Config
	logger   *zap.Logger

	// baseCtx outlives individual requests so background jobs survive the
	// submitting request's lifetime.
	baseCtx context.Context
}

// NewServer constructs a Server with middleware and routes. baseCtx gates
// background job execution; cancel it to drain in-flight jobs on shutdown.
func NewServer(
	baseCtx context.Context,
	runner Runner,
	sessions *session.Manager,
	store intel.SessionStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		runner:   runner,
		sessions: sessions,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  baseCtx,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/status", s.getSessionStatus)
				r.Get("/result", s.getSessionResult)
				r.Post("/abort", s.abortSession)
				r.Delete("/", s.deleteSession)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The session store is the only hard dependency at startup.
	if _, err := s.store.GetSession(r.Context(), "readyz-probe"); err != nil && !errors.Is(err, intel.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createSessionRequest struct {
	Domain  string         `json:"domain"`
	UserID  string         `json:"user_id"`
	Options sessionOptions `json:"options"`
}

type sessionOptions struct {
	Depth         string `json:"depth"`
	MaxPages      int    `json:"max_pages"`
	ExtractSchema bool   `json:"extract_schema"`
	Premium       bool   `json:"premium"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Domain == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "domain and user_id are required")
		return
	}
	job := orchestrator.JobConfig{
		Domain:        req.Domain,
		UserID:        req.UserID,
		Depth:         ledger.Depth(req.Options.Depth),
		MaxPages:      req.Options.MaxPages,
		ExtractSchema: req.Options.ExtractSchema,
		Premium:       req.Options.Premium,
	}
	if err := (ledger.CostOptions{Depth: job.Depth}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.MaxPages == 0 {
		job.MaxPages = s.cfg.Pipeline.MaxPagesDefault
	}

	// The session record is created synchronously so the ID returns with
	// the 202; the job itself runs out of band.
	sess, err := s.sessions.FetchOrCreateSession(r.Context(), job.Domain, job.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess.Phase.Terminal() {
		writeError(w, http.StatusConflict, "session already finalized")
		return
	}

	go s.runJob(job)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
}

func (s *Server) runJob(job orchestrator.JobConfig) {
	report, err := s.runner.Run(s.baseCtx, job)
	if err != nil {
		s.logger.Warn("job finished with error",
			zap.String("domain", job.Domain),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("job finished",
		zap.String("session_id", report.SessionID),
		zap.String("phase", string(report.Phase)),
		zap.Int("pages", report.PagesScraped),
		zap.Int("credits_spent", report.CreditsSpent),
	)
}

func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"domain":     sess.Domain,
		"phase":      sess.Phase,
		"version":    sess.Version,
		"stats":      sess.Merged.Stats,
		"updated_at": sess.UpdatedAt,
	})
}

func (s *Server) getSessionResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sess.ID,
		"domain":      sess.Domain,
		"phase":       sess.Phase,
		"version":     sess.Version,
		"merged_data": sess.Merged,
	})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		req.Reason = "aborted via API"
	}
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.runner.Abort(r.Context(), sessionID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"phase":      string(intel.PhaseAborted),
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"phase":      string(intel.PhaseDeleted),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package api exposes the review engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/forecastly/dealreview/internal/bus"
	"github.com/forecastly/dealreview/internal/engine"
	"github.com/forecastly/dealreview/internal/ingest"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
	"github.com/forecastly/dealreview/internal/update"
)

// Publisher is the queue surface the ingest endpoint needs.
type Publisher interface {
	Publish(subject string, data any) error
}

type Server struct {
	router   *chi.Mux
	port     int
	engine   *engine.Engine
	flow     *update.Flow
	store    *store.Store
	sessions *session.Manager
	queue    Publisher
	logger   *slog.Logger
}

func NewServer(port int, eng *engine.Engine, flow *update.Flow, db *store.Store, sessions *session.Manager, queue Publisher, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		engine:   eng,
		flow:     flow,
		store:    db,
		sessions: sessions,
		queue:    queue,
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/reviews", s.createReview)
		r.Post("/reviews/{id}/turn", s.reviewTurn)
		r.Get("/runs/{id}", s.getRun)
		r.Post("/runs/{id}/reply", s.runReply)
		r.Post("/runs/{id}/stop", s.runStop)
		r.Post("/category-updates", s.startCategoryUpdate)
		r.Post("/category-updates/{id}/turn", s.categoryUpdateTurn)
		r.Post("/ingest", s.enqueueIngest)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createReviewRequest struct {
	OrgID     string   `json:"org_id"`
	RepName   string   `json:"rep_name"`
	DealIDs   []string `json:"deal_ids"`
	HandsFree bool     `json:"hands_free"`
}

type createReviewResponse struct {
	SessionID string               `json:"session_id"`
	DealCount int                  `json:"deal_count"`
	Run       *session.HandsFreeRun `json:"run,omitempty"`
}

// createReview loads the requested deals (dropping missing and closed ones),
// opens a session, and for hands-free reviews immediately kicks off a run.
func (s *Server) createReview(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrgID == "" || len(req.DealIDs) == 0 {
		writeError(w, http.StatusBadRequest, "org_id and deal_ids are required")
		return
	}

	deals, err := s.store.ListOpportunities(r.Context(), req.OrgID, req.DealIDs)
	if err != nil {
		s.logger.Error("list opportunities failed", "org_id", req.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load deals")
		return
	}
	if len(deals) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no reviewable deals: all requested deals are missing or closed")
		return
	}

	sess := s.sessions.CreateSession(req.OrgID, req.RepName, deals)
	resp := createReviewResponse{SessionID: sess.ID, DealCount: len(deals)}

	if req.HandsFree {
		run := s.sessions.CreateRun(sess.ID)
		state, err := s.engine.Kickoff(r.Context(), run.ID)
		if err != nil {
			s.logger.Error("kickoff failed", "run_id", run.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "kickoff failed")
			return
		}
		resp.Run = state.Run
	}

	writeJSON(w, http.StatusCreated, resp)
}

type turnRequest struct {
	Text string `json:"text"`
}

// reviewTurn is the synchronous path: one rep utterance in, one assistant
// utterance out.
func (s *Server) reviewTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.sessions.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	res, err := s.engine.RunTurn(r.Context(), sess, req.Text)
	if err != nil {
		if errors.Is(err, engine.ErrTurnInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("turn failed", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	s.sessions.SaveSession(sess)

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.sessions.Run(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type runReplyRequest struct {
	Text       string `json:"text"`
	WaitingSeq int    `json:"waiting_seq"`
}

// runReply feeds one rep utterance into a hands-free run. Stale or in-flight
// turns come back with ignored=true rather than an error: dropping them is
// expected behavior, not a failure.
func (s *Server) runReply(w http.ResponseWriter, r *http.Request) {
	var req runReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := s.engine.Reply(r.Context(), chi.URLParam(r, "id"), req.Text, req.WaitingSeq)
	if err != nil {
		if errors.Is(err, session.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run reply failed", "run_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "reply failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) runStop(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.StopRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type startUpdateRequest struct {
	OrgID         string `json:"org_id"`
	OpportunityID string `json:"opportunity_id"`
	Category      string `json:"category"`
	Text          string `json:"text,omitempty"`
}

func (s *Server) startCategoryUpdate(w http.ResponseWriter, r *http.Request) {
	var req startUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	category, ok := meddpicc.ParseCategory(req.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown category: "+req.Category)
		return
	}

	outcome, err := s.flow.Start(r.Context(), req.OrgID, req.OpportunityID, category, req.Text)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opportunity not found")
			return
		}
		s.logger.Error("category update start failed",
			"org_id", req.OrgID, "opportunity", req.OpportunityID, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *Server) categoryUpdateTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.flow.Turn(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		if errors.Is(err, session.ErrUpdateNotFound) {
			writeError(w, http.StatusNotFound, "update session not found")
			return
		}
		s.logger.Error("category update turn failed",
			"update_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type ingestRequest struct {
	OrgID            string            `json:"org_id"`
	FileName         string            `json:"file_name,omitempty"`
	Rows             []ingest.BatchRow `json:"rows,omitempty"`
	OpportunityID    string            `json:"opportunity_id,omitempty"`
	RawText          string            `json:"raw_text,omitempty"`
	SourceType       string            `json:"source_type,omitempty"`
	OverrideBaseline bool              `json:"override_baseline,omitempty"`
}

// enqueueIngest accepts either a batch (rows) or a single-opportunity
// (opportunity_id + raw_text) ingestion and queues it for the worker.
// Progress is published on the bus under the returned job id.
func (s *Server) enqueueIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}

	jobID := uuid.NewString()
	var (
		subject string
		payload any
	)
	switch {
	case len(req.Rows) > 0:
		subject = bus.SubjectIngestBatch
		payload = ingest.BatchJob{JobID: jobID, OrgID: req.OrgID, FileName: req.FileName, Rows: req.Rows}
	case req.OpportunityID != "" && strings.TrimSpace(req.RawText) != "":
		subject = bus.SubjectIngestSingle
		payload = ingest.SingleJob{
			JobID:            jobID,
			OrgID:            req.OrgID,
			OpportunityID:    req.OpportunityID,
			RawText:          req.RawText,
			SourceType:       req.SourceType,
			OverrideBaseline: req.OverrideBaseline,
		}
	default:
		writeError(w, http.StatusBadRequest, "either rows or opportunity_id with raw_text is required")
		return
	}

	if err := s.queue.Publish(subject, payload); err != nil {
		s.logger.Error("enqueue ingestion failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":           jobID,
		"progress_subject": bus.SubjectIngestProgress + "." + jobID,
		"result_subject":   bus.SubjectIngestResult + "." + jobID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package api exposes the engine's command surface (spec.md §6) over
// HTTP: enqueue, list/get jobs, cancel/pause/resume/remove/reorder,
// clear_completed, and recent_events for late subscribers. It is the
// local control plane a desktop shell or web front-end drives; it never
// implements download logic itself.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperr "forgedl/internal/apperrors"
	"forgedl/internal/eventbus"
	"forgedl/internal/historystore"
	"forgedl/internal/logger"
	"forgedl/internal/model"
	"forgedl/internal/queue"
)

// Server is the HTTP command surface over a running Manager.
type Server struct {
	queue  *queue.Manager
	store  *historystore.Store
	bus    *eventbus.Bus
	router *chi.Mux
}

// New builds the router; serve the router returned by Handler (for
// example from an http.Server) to start accepting connections.
func New(q *queue.Manager, store *historystore.Store, bus *eventbus.Bus) *Server {
	s := &Server{queue: q, store: store, bus: bus, router: chi.NewRouter()}
	s.routes()
	return s
}

// Handler returns the http.Handler for this server, for callers that want
// to manage the listener themselves (tests, or composing with other muxes).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/v1/jobs", s.handleEnqueue)
	s.router.Get("/v1/jobs", s.handleListJobs)
	s.router.Get("/v1/jobs/{id}", s.handleGetJob)
	s.router.Post("/v1/jobs/{id}/cancel", s.handleCancel)
	s.router.Post("/v1/jobs/{id}/pause", s.handlePause)
	s.router.Post("/v1/jobs/{id}/resume", s.handleResume)
	s.router.Delete("/v1/jobs/{id}", s.handleRemove)
	s.router.Post("/v1/jobs/{id}/reorder", s.handleReorder)
	s.router.Post("/v1/jobs/clear_completed", s.handleClearCompleted)
	s.router.Get("/v1/jobs/{id}/events", s.handleRecentEvents)
}

type enqueueRequest struct {
	URL          string                 `json:"url"`
	OutputFolder string                 `json:"output_folder"`
	Priority     string                 `json:"priority"`
	Options      model.DownloadOptions  `json:"options"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, apperr.NewWithMessage("api.enqueue", apperr.ErrInvalidURL, "url is required"))
		return
	}

	job, err := s.queue.Enqueue(req.URL, req.OutputFolder, model.ParsePriority(req.Priority), req.Options)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{JobID: job.ID})
}

// handleListJobs returns the live queue (PENDING/RUNNING) plus the
// terminal history, honoring an optional ?status= filter.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	all, err := s.store.ListAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if status == "" {
		writeJSON(w, http.StatusOK, all)
		return
	}
	filtered := make([]*model.Job, 0, len(all))
	for _, j := range all {
		if string(j.Status) == status {
			filtered = append(filtered, j)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Pause(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Resume(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Remove(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	Position int64 `json:"position"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Reorder(id, req.Position); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearCompletedResponse struct {
	Removed int64 `json:"removed"`
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ClearCompleted()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, clearCompletedResponse{Removed: n})
}

// handleRecentEvents serves spec.md §6's recent_events(job_id, since_event_id?)
// for late subscribers reconnecting after a gap, rather than replaying the
// live bus from the start.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since := int64(0)
	if v := r.URL.Query().Get("since_event_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = parsed
	}

	events, err := s.store.EventsSince(id, since, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func statusFor(err error) int {
	switch {
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsCancelled(err), apperr.IsTimeout(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response body")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

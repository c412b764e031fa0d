package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quflux/publisher/internal/config"
	"github.com/quflux/publisher/internal/models"
	"github.com/quflux/publisher/internal/store"
	"github.com/quflux/publisher/internal/telemetry"
)

// Server wires HTTP handlers for the authoring and read API.
type Server struct {
	cfg   config.Config
	store *store.Store
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/schedules", s.handleCreateSchedule)
	r.Get("/schedules/{id}", s.handleGetSchedule)
	r.Post("/schedules/{id}/deactivate", s.handleDeactivate)
	r.Get("/publications", s.handleListPublications)
	return r
}

type createScheduleRequest struct {
	PostID        string    `json:"post_id"`
	UserID        string    `json:"user_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Platforms     []string  `json:"platforms"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.PostID == "" || req.UserID == "" {
		http.Error(w, "post_id and user_id are required", http.StatusBadRequest)
		return
	}
	if len(req.Platforms) == 0 {
		http.Error(w, "at least one platform is required", http.StatusBadRequest)
		return
	}
	for _, p := range req.Platforms {
		if !models.IsKnownPlatform(p) {
			http.Error(w, "unknown platform: "+p, http.StatusBadRequest)
			return
		}
	}
	if req.ScheduledTime.Before(time.Now()) {
		http.Error(w, "scheduled_time must be in the future", http.StatusBadRequest)
		return
	}

	sched, err := s.store.CreateSchedule(r.Context(), store.CreateScheduleParams{
		PostID:        req.PostID,
		UserID:        req.UserID,
		ScheduledTime: req.ScheduledTime,
		Platforms:     dedupe(req.Platforms),
	})
	if errors.Is(err, store.ErrScheduleConflict) {
		http.Error(w, "an active schedule already targets this post at that time", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

type scheduleResponse struct {
	Schedule     models.Schedule      `json:"schedule"`
	Publications []models.Publication `json:"publications"`
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pubs, err := s.store.PublicationsBySchedule(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Schedule: sched, Publications: pubs})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "schedule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListPublications(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case models.StatusPending, models.StatusPublishing, models.StatusPublished, models.StatusFailed:
	default:
		http.Error(w, "status must be one of pending, publishing, published, failed", http.StatusBadRequest)
		return
	}
	pubs, err := s.store.PublicationsByStatus(r.Context(), status, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pubs})
}

func dedupe(platforms []string) []string {
	seen := make(map[string]struct{}, len(platforms))
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

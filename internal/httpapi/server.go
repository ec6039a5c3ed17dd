package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/davidep87/browserd/internal/artifacts"
	"github.com/davidep87/browserd/internal/config"
	"github.com/davidep87/browserd/internal/observability"
	"github.com/davidep87/browserd/internal/orchestrator"
	"github.com/davidep87/browserd/internal/tasks"
)

type Server struct {
	cfg       config.Config
	service   *orchestrator.Service
	registry  *tasks.Registry
	artifacts *artifacts.Manager
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, service *orchestrator.Service, registry *tasks.Registry, artifactMgr *artifacts.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		service:   service,
		registry:  registry,
		artifacts: artifactMgr,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up; non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/v1/tasks", s.handleCreateTask)
		r.Get("/v1/tasks", s.handleListTasks)
		r.Get("/v1/tasks/ws", s.handleTaskEventsWS)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/v1/tasks/{id}/files", s.handleTaskFiles)
		r.Get("/v1/stats", s.handleStats)
		r.Delete("/v1/sessions/{user_id}", s.handleReleaseSession)

		if s.artifacts != nil {
			fileServer := http.StripPrefix("/files/", http.FileServer(http.Dir(s.artifacts.TasksDir())))
			r.Get("/files/*", fileServer.ServeHTTP)
		}
	})

	return r
}

// requireAPIKey gates every endpoint except health and metrics. A missing key
// and a wrong key are distinct failures so clients can tell misconfiguration
// from revocation.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			respondError(w, http.StatusUnauthorized, "missing_api_key", "X-API-Key header is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			respondError(w, http.StatusForbidden, "invalid_api_key", "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.service.ActiveSessionCount(),
		"active_tasks":    s.registry.Stats().ActiveTasks,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.service.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"total_tasks":     stats.TotalTasks,
		"active_tasks":    stats.ActiveTasks,
		"active_users":    stats.ActiveUsers,
		"active_sessions": s.service.ActiveSessionCount(),
		"status_counts":   stats.StatusCounts,
	})
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	if err := s.service.ReleaseSession(r.Context(), userID); err != nil {
		respondError(w, http.StatusInternalServerError, "session_release_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"released": true,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

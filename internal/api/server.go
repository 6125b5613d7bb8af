package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"jobrelay/internal/apperr"
	"jobrelay/internal/auth"
	"jobrelay/internal/config"
	"jobrelay/internal/jobs"
	"jobrelay/internal/models"
	"jobrelay/internal/ratelimit"
	"jobrelay/internal/stream"
	"jobrelay/internal/telemetry"
)

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg     config.Config
	jobs    *jobs.Service
	streams *stream.Manager
	limiter ratelimit.Limiter
	auth    *auth.Authenticator
	logger  zerolog.Logger
	checks  []readinessCheck
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, svc *jobs.Service, streams *stream.Manager, limiter ratelimit.Limiter, authn *auth.Authenticator, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    svc,
		streams: streams,
		limiter: limiter,
		auth:    authn,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// WithReadiness adds a dependency probed by GET /readyz.
func (s *Server) WithReadiness(name string, check func(context.Context) error) *Server {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.writeError))
		r.Post("/jobs", s.handleCreate)
		r.Get("/jobs/{id}/status", s.handleStatus)
		r.Get("/jobs/{id}/stream", s.handleStream)
		r.Get("/jobs/{id}/narrative-stream", s.handleNarrativeStream)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
	})

	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", auth.SessionHeader, auth.TenantHeader},
		AllowCredentials: true,
	}).Handler(r)
}

type createRequest struct {
	Type     string         `json:"type"`
	Input    map[string]any `json:"input"`
	TenantID string         `json:"tenantId"`
}

type jobIDResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := s.owner(r)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("invalid json"))
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.writeError(w, r, apperr.Validation("type is required"))
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	if owner.TenantID == "" {
		owner.TenantID = strings.TrimSpace(req.TenantID)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.OwnerKey(owner))
		if err != nil {
			s.writeError(w, r, apperr.Unavailable("rate limiter unavailable", err))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", Code: "rate_limited"})
			return
		}
	}

	job, err := s.jobs.Create(r.Context(), req.Type, req.Input, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobIDResponse{JobID: job.ID})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var failed []string
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("dependency", c.name).Msg("readiness check failed")
			failed = append(failed, c.name)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"), s.owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	owner := s.owner(r)
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.streams.OpenJobStream(r.Context(), stream.NewSSEWriter(w), owner, job.ID)
	s.serveStream(w, r, conn, err)
}

func (s *Server) handleNarrativeStream(w http.ResponseWriter, r *http.Request) {
	owner := s.owner(r)
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if def, ok := s.jobs.Registry().Lookup(job.Type); !ok || !def.Narrative {
		s.writeError(w, r, apperr.NotFound())
		return
	}
	conn, err := s.streams.OpenNarrativeStream(r.Context(), stream.NewSSEWriter(w), owner, job.ID)
	s.serveStream(w, r, conn, err)
}

// serveStream blocks until the connection ends or the client goes away.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, conn *stream.Connection, err error) {
	if err != nil {
		if errors.Is(err, stream.ErrStopped) {
			err = apperr.Unavailable("server shutting down", err)
		}
		s.writeError(w, r, err)
		return
	}
	select {
	case <-conn.Done():
	case <-r.Context().Done():
		s.streams.Close(conn.ID)
		<-conn.Done()
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"), s.owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobIDResponse{JobID: job.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"), s.owner(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) owner(r *http.Request) models.Owner {
	owner, _ := auth.OwnerFrom(r.Context())
	return owner
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: apperr.PublicMessage(err), Code: string(apperr.KindOf(err))})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

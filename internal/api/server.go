package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autoflow/internal/api/handler"
	mw "github.com/edvin/autoflow/internal/api/middleware"
	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/config"
	"github.com/edvin/autoflow/internal/core"
)

// Pinger reports database reachability for /readyz. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Services *core.Services
	Intake   handler.Submitter
	Scanner  handler.ScheduleScanner
	Poller   handler.PollRunner
	Usage    handler.UsageReader
	DB       Pinger
	Temporal temporalclient.Client
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
	cfg    *config.Config
}

func NewServer(logger zerolog.Logger, deps Deps, cfg *config.Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	svc := s.deps.Services

	// Entry points for an external timer.
	s.router.Route("/internal", func(r chi.Router) {
		r.Use(mw.Bearer(s.cfg.SchedulerToken))

		internal := handler.NewInternal(s.deps.Scanner, s.deps.Poller)
		r.Post("/scheduler/scan", internal.Scan)
		r.Post("/poller/run", internal.Poll)
	})

	webhook := handler.NewWebhook(svc.Workflow, s.deps.Intake)
	s.router.Post("/hooks/{workflowID}", webhook.Receive)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(svc.APIKey))

		// Workflows
		workflow := handler.NewWorkflow(svc.Workflow, s.deps.Intake)
		r.Get("/workflows", workflow.List)
		r.Post("/workflows", workflow.Create)
		r.Get("/workflows/{id}", workflow.Get)
		r.Put("/workflows/{id}", workflow.Update)
		r.Post("/workflows/{id}/activate", workflow.Activate)
		r.Post("/workflows/{id}/pause", workflow.Pause)
		r.Post("/workflows/{id}/archive", workflow.Archive)
		r.Post("/workflows/{id}/run", workflow.Run)

		// Executions
		execution := handler.NewExecution(svc.Workflow, svc.Execution)
		r.Get("/workflows/{id}/executions", execution.ListByWorkflow)
		r.Get("/executions/{id}", execution.Get)
		r.Get("/executions/{id}/nodes", execution.Nodes)
		r.Post("/executions/{id}/cancel", execution.Cancel)

		// Usage
		usage := handler.NewUsage(s.deps.Usage)
		r.Get("/usage", usage.Get)

		// API keys
		apiKey := handler.NewAPIKey(svc.APIKey)
		r.Get("/api-keys", apiKey.List)
		r.Post("/api-keys", apiKey.Create)
		r.Delete("/api-keys/{id}", apiKey.Revoke)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			checks["core_db"] = err.Error()
			healthy = false
		} else {
			checks["core_db"] = "ok"
		}
	}

	if s.deps.Temporal != nil {
		if _, err := s.deps.Temporal.CheckHealth(ctx, &temporalclient.CheckHealthRequest{}); err != nil {
			checks["temporal"] = err.Error()
			healthy = false
		} else {
			checks["temporal"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

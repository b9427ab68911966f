package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Deps are the services the API exposes.
type Deps struct {
	Decision *decision.Service
	Catalog  *rules.Catalog
	Cases    *cases.Manager

	// Health probes. Any may be nil.
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus

	Metrics *metrics.Metrics

	// MetricsHandler serves MetricsPath when set, typically promhttp.Handler().
	MetricsHandler http.Handler
	MetricsPath    string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(ObserveMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	router.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		// Scoring
		r.Post("/evaluate", handler.Evaluate)
		r.Get("/scores/{id}", handler.GetScore)
		r.Post("/scores/{id}/override", handler.OverrideScore)
		r.Post("/scores/{id}/outcome", handler.ConfirmOutcome)
		r.Get("/entities/{kind}/{id}/scores", handler.ListEntityScores)

		// Rule management
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", handler.ListRules)
			r.Post("/", handler.CreateRule)
			r.Get("/statistics", handler.RuleStatistics)
			r.Get("/export", handler.ExportRules)
			r.Post("/import", handler.ImportRules)
			r.Post("/defaults", handler.SeedDefaultRules)
			r.Post("/reload", handler.ReloadRules)
			r.Get("/{code}", handler.GetRule)
			r.Put("/{code}", handler.UpdateRule)
			r.Delete("/{code}", handler.DeactivateRule)
			r.Post("/{code}/toggle", handler.ToggleRule)
			r.Post("/{code}/test", handler.TestRule)
		})

		// Case management
		r.Route("/cases", func(r chi.Router) {
			r.Get("/", handler.ListCases)
			r.Post("/", handler.OpenCase)
			r.Get("/statistics", handler.CaseStatistics)
			r.Get("/{id}", handler.GetCase)
			r.Post("/{id}/assign", handler.AssignCase)
			r.Post("/{id}/investigate", handler.InvestigateCase)
			r.Post("/{id}/notes", handler.AddCaseNote)
			r.Post("/{id}/evidence", handler.AddCaseEvidence)
			r.Post("/{id}/actions", handler.RecordCaseAction)
			r.Post("/{id}/resolve", handler.ResolveCase)
			r.Post("/{id}/close", handler.CloseCase)
			r.Post("/{id}/escalate", handler.EscalateCase)
			r.Post("/{id}/notify-customer", handler.NotifyCustomer)
			r.Post("/{id}/notify-law-enforcement", handler.NotifyLawEnforcement)
			r.Post("/{id}/regulator-reports", handler.ReportToRegulator)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version, cfg.MaxUploadMB)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes (no identity required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Get("/config/thresholds", handler.GetThresholds)
		r.Get("/rules", handler.ListRules)
		r.Get("/stream", handler.Stream)

		r.Get("/events", handler.ListEvents)
		r.Get("/events/{id}", handler.GetEvent)
		r.Get("/historiques", handler.ListHistoriques)
		r.Get("/historiques/{id}", handler.GetHistorique)
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Get("/risques/{assureId}", handler.GetRisque)
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)

		// Mutations
		r.Group(func(r chi.Router) {
			r.Use(RequireActor)

			r.Post("/documents", handler.UploadDocument)
			r.Post("/events", handler.RecordEvent)
			r.Post("/events/{id}/identify", handler.IdentifyEvent)
			r.Post("/events/{id}/retry", handler.RetryEvent)

			r.Post("/alerts/{id}/assign", handler.AssignAlert)
			r.Post("/alerts/{id}/investigate", handler.InvestigateAlert)
			r.Post("/alerts/{id}/transfer", handler.TransferAlert)
			r.Post("/alerts/{id}/close", handler.CloseAlert)
			r.Post("/alerts/{id}/reopen", handler.ReopenAlert)

			r.Post("/cases", handler.CreateCase)
			r.Post("/cases/{id}/alerts", handler.AddCaseAlerts)
			r.Post("/cases/{id}/status", handler.UpdateCaseStatus)
			r.Post("/cases/{id}/decision", handler.DecideCase)
			r.Put("/cases/{id}/metrics", handler.UpdateCaseMetrics)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole)

				r.Post("/alerts/{id}/qualify", handler.QualifyAlert)
				r.Post("/cases/{id}/transfer", handler.TransferCase)
			})
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
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
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

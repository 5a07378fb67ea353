package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/modelstore"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, orchestrator *lifecycle.Orchestrator, engine *scoring.Engine, store *modelstore.Store, ruleEngine *rules.Engine, trainer *worker.Trainer, models domain.ModelConfig, version string) *Server {
	handler := NewHandler(repo, cache, bus, orchestrator, engine, store, ruleEngine, trainer, models, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Spend lifecycle
		r.Post("/transactions", handler.PostTransaction)
		r.Get("/transactions", handler.ListTransactions)
		r.Get("/risk/summary", handler.RiskSummary)

		// Model management
		r.Post("/models/train", handler.TrainModel)
		r.Get("/models", handler.ListModels)
		r.Get("/models/active", handler.ActiveModel)
		r.Get("/models/baseline", handler.ModelBaseline)
		r.Get("/models/invariant", handler.ModelInvariant)

		// Analyst scoring
		r.Post("/score", handler.Score)
		r.Post("/score/batch", handler.ScoreBatch)

		// Customer administration
		r.Get("/customers", handler.ListCustomers)
		r.Get("/customers/top", handler.TopCustomers)
		r.Get("/customers/{id}", handler.GetCustomer)
		r.Get("/customers/{id}/snapshot", handler.CustomerSnapshot)
		r.Get("/customers/{id}/transactions", handler.CustomerTransactions)
		r.Patch("/customers/{id}/credit-limit", handler.UpdateCreditLimit)
		r.Patch("/customers/{id}/controls", handler.UpdateControls)
		r.Patch("/customers/{id}/features", handler.UpdateFeatures)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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

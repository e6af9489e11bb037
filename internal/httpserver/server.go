package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/config"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/handlers"
	gatewaymw "github.com/PortNumber53/benefit-enrollment/backend/internal/middleware"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/worker"
)

// Deps are the components the HTTP surface routes to. DB, Subs, Jobs, Worker
// and Heartbeat are optional.
type Deps struct {
	DB          handlers.Pinger
	Links       handlers.LinkRedeemer
	Ingester    handlers.EventIngester
	Enrollments handlers.EnrollmentService
	Events      handlers.EventReader
	Subs        handlers.SubscriptionReader
	Jobs        handlers.JobStore
	Worker      *worker.Worker
	Heartbeat   handlers.WorkerStatusSource
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and components.
func New(cfg config.Config, deps Deps) (*Server, error) {
	allowlist, err := gatewaymw.NewGatewayAllowlist(cfg.GatewayAllowedCIDRs)
	if err != nil {
		return nil, err
	}
	if !cfg.WebhookVerificationEnabled() {
		log.Printf("[webhook] WARNING: WEBHOOK_SECRET is not set; gateway callbacks will not be authenticated")
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB, deps.Heartbeat))

	router.Group(func(r chi.Router) {
		r.Use(allowlist.Middleware())
		r.Post("/webhooks/payment", handlers.PaymentWebhook(deps.Ingester, cfg.WebhookSecret))
	})

	enrollmentHandler := &handlers.EnrollmentHandler{
		Service: deps.Enrollments,
		Events:  deps.Events,
		Links:   deps.Links,
	}
	if deps.Subs != nil {
		enrollmentHandler.Subscriptions = deps.Subs
	}
	enrollmentHandler.RegisterRoutes(router)

	if deps.Jobs != nil {
		jobHandler := &handlers.JobHandler{Store: deps.Jobs}
		if deps.Worker != nil {
			jobHandler.Worker = deps.Worker
		}
		jobHandler.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}, nil
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Println("[server] Starting job worker...")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Println("[server] Shutting down job worker...")
		if err := s.worker.Stop(ctx); err != nil {
			log.Printf("[server] Worker shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

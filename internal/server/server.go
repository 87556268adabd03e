// Package server exposes the gateway over HTTP: query submission, the
// clarification loop, feedback, health, and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"codectx/internal/breaker"
	"codectx/internal/core"
	"codectx/internal/model"
	"codectx/internal/orchestrator"
	"codectx/internal/provider"
)

// Pipeline is the query lifecycle surface the handlers call into.
type Pipeline interface {
	Query(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	Continue(ctx context.Context, conversationID string, answers map[string]string) (*orchestrator.Response, error)
	Abort(ctx context.Context, conversationID string) (*model.ConversationState, error)
	Conversation(ctx context.Context, conversationID string) (*model.ConversationState, error)
}

// FeedbackSink accepts feedback submissions.
type FeedbackSink interface {
	SubmitFeedback(ctx context.Context, queryID string, rating model.FeedbackRating, comment string) error
}

// HealthSource reports dependency health for the health endpoint.
type HealthSource interface {
	Snapshot() map[string]model.ServiceHealth
	Overall() model.ServiceStatus
}

// ProviderChains exposes the provider order for the health endpoint.
type ProviderChains struct {
	Embedding *provider.EmbedderChain
	Synthesis *provider.SynthesizerChain
}

// Server is the HTTP front end.
type Server struct {
	pipeline Pipeline
	feedback FeedbackSink
	health   HealthSource
	breakers *breaker.Registry
	chains   ProviderChains
	registry *prometheus.Registry
	validate *validator.Validate
	logger   core.Logger

	httpServer *http.Server
}

// New creates a server. health, breakers, chains, and registry may be zero
// valued; the corresponding endpoint sections are omitted.
func New(pipeline Pipeline, feedback FeedbackSink, health HealthSource, breakers *breaker.Registry, chains ProviderChains, registry *prometheus.Registry, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{
		pipeline: pipeline,
		feedback: feedback,
		health:   health,
		breakers: breakers,
		chains:   chains,
		registry: registry,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Post("/query", s.handleQuery)
	r.Post("/query/continue", s.handleContinue)
	r.Route("/query/conversation/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetConversation)
		r.Delete("/", s.handleAbortConversation)
	})
	r.Post("/feedback", s.handleFeedback)
	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return otelhttp.NewHandler(r, "codectx.http")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", map[string]interface{}{"addr": addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Package server provides the HTTP API for tsuuchi.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/broker"
	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
	"github.com/hyperjump/tsuuchi/internal/storage"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

// Processor runs submission updates through the pipeline.
type Processor interface {
	Process(ctx context.Context, sub *models.Submission) *pipeline.Outcome
	Delete(ctx context.Context, id string) error
}

// RuleEvaluator evaluates a single rule. Used for dry runs.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, rule models.SubscriptionRule, b sandbox.Bindings) models.MatchResult
}

// RelatedFinder finds submissions similar to a submission.
type RelatedFinder interface {
	Related(ctx context.Context, sub *models.Submission) ([]models.RelatedEntry, error)
}

// IndexManager rebuilds the indices and exposes the live vector index.
type IndexManager interface {
	Rebuild(ctx context.Context) (int, error)
	VectorIndex() *vector.Index
}

// KeywordCounter reports the keyword index size.
type KeywordCounter interface {
	DocCount() (uint64, error)
}

// StatsSource reports broker counters.
type StatsSource interface {
	Stats() broker.Stats
}

// WatchService lists watched inbox directories.
type WatchService interface {
	Directories() []string
}

// Dependencies are the components the API is served from. Processor, Evaluator and
// Storage are required; any other field may be nil, in which case the endpoints that
// need it answer 501.
type Dependencies struct {
	Processor Processor
	Evaluator RuleEvaluator
	Storage   storage.Storage
	Related   RelatedFinder
	Indexes   IndexManager
	Keywords  KeywordCounter
	Broker    StatsSource
	Watch     WatchService
}

// Server is the HTTP server for the tsuuchi API.
type Server struct {
	deps   Dependencies
	config *config.Config
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies. cfg supplies the listen
// address and the storage paths reported by the status endpoint.
func NewServer(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}
}

// Handler returns the router with all API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submissions", s.handleProcessSubmission)
		r.Delete("/submissions/{id}", s.handleDeleteSubmission)
		r.Post("/rules/evaluate", s.handleEvaluateRule)
		r.Post("/related", s.handleRelated)
		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/status", s.handleStatus)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Put("/subscriptions/{channelID}", s.handlePutSubscription)
		r.Delete("/subscriptions/{channelID}", s.handleDeleteSubscription)
		r.Post("/subscriptions/{channelID}/users/{userID}", s.handleAddSubscriber)
		r.Delete("/subscriptions/{channelID}/users/{userID}", s.handleRemoveSubscriber)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

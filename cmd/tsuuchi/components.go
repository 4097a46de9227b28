package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/broker"
	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/embedding"
	"github.com/hyperjump/tsuuchi/internal/extract"
	"github.com/hyperjump/tsuuchi/internal/indexer"
	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/match"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/related"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
	"github.com/hyperjump/tsuuchi/internal/storage"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Config       *config.Config
	Logger       *zap.Logger
	Storage      *storage.SQLiteStorage
	Broker       *broker.Broker
	Embedder     *embedding.Brokered
	VectorIndex  *vector.Index
	KeywordIndex *keyword.BleveIndex
	Indexer      *indexer.Indexer
	Sandbox      *sandbox.Sandbox
	Finder       *related.Finder
	Coordinator  *match.Coordinator
	Pipeline     *pipeline.Pipeline
}

// Close releases the broker, the keyword index and storage.
func (c *Components) Close() {
	if c.Broker != nil {
		_ = c.Broker.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// LoadVectors loads the persisted vector index, rebuilding it from storage when needed.
func (c *Components) LoadVectors(ctx context.Context) error {
	path := c.Config.Storage.VectorIndexPath
	if path == "" {
		_, err := c.Indexer.Rebuild(ctx)
		return err
	}
	_, err := c.Indexer.LoadOrRebuild(ctx, path)
	return err
}

// PersistVectors writes the vector index to its configured path. A failure is logged.
func (c *Components) PersistVectors() {
	path := c.Config.Storage.VectorIndexPath
	if path == "" {
		return
	}
	if err := c.Indexer.Persist(path); err != nil {
		c.Logger.Warn("vector index save failed", zap.String("path", path), zap.Error(err))
	}
}

// newRuleSandbox creates the rule sandbox from the sandbox settings.
func newRuleSandbox(cfg *config.Config, logger *zap.Logger) (*sandbox.Sandbox, error) {
	return sandbox.New(
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithAllowedPackages(cfg.Sandbox.AllowedPackages...),
		sandbox.WithMemoryLimit(int64(cfg.Sandbox.MemoryLimitMB)<<20),
		sandbox.WithLogger(logger),
	)
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	mux := broker.NewMux()
	client := embedding.NewClient(cfg.Embedding.Endpoint, cfg.Embedding.Dimensions,
		embedding.WithClientLogger(logger))
	embedding.Register(mux, client)

	gen, err := extract.NewGenerator(ctx, cfg.Extraction, extract.WithHTTPLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize extraction: %w", err)
	}
	if gen != nil {
		extract.Register(mux, gen)
	}

	c.Broker = broker.New(mux,
		broker.WithConcurrency(cfg.Broker.Concurrency),
		broker.WithDefaultTimeout(cfg.Broker.DefaultTimeout),
		broker.WithTimeout(broker.KindEmbedDocument, cfg.Broker.DocumentEmbedTimeout),
		broker.WithTimeout(broker.KindEmbedQuery, cfg.Broker.QueryEmbedTimeout),
		broker.WithTimeout(broker.KindExtract, cfg.Extraction.Timeout),
		broker.WithRateLimit(cfg.Broker.RequestsPerSecond, cfg.Broker.Burst),
		broker.WithLogger(logger),
	)

	c.Embedder = embedding.NewBrokered(c.Broker, cfg.Embedding.Dimensions,
		embedding.WithCache(embedding.NewCache(cfg.Embedding.CacheSize)),
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithPriorities(cfg.Embedding.DocumentPriority, cfg.Embedding.QueryPriority),
		embedding.WithLogger(logger),
	)

	vectorOpts := []vector.Option{
		vector.WithMinGraphSize(cfg.Vector.MinGraphSize),
		vector.WithGraphParams(cfg.Vector.M, cfg.Vector.EfSearch),
		vector.WithLogger(logger),
	}
	c.VectorIndex, err = vector.NewIndex(cfg.Vector.IndexType, cfg.Embedding.Dimensions, vectorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	c.KeywordIndex, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	c.Indexer = indexer.NewIndexer(store, c.Embedder, c.VectorIndex, c.KeywordIndex,
		indexer.WithLogger(logger),
		indexer.WithVectorOptions(append([]vector.Option{vector.WithIndexType(c.VectorIndex.Type())}, vectorOpts...)...),
	)

	c.Sandbox, err = newRuleSandbox(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule sandbox: %w", err)
	}

	matchOpts := []match.Option{
		match.WithResolver(store),
		match.WithFanout(cfg.Match.Fanout),
		match.WithRelatedTimeout(cfg.Match.RelatedTimeout),
		match.WithLogger(logger),
	}
	if cfg.Match.RelatedEnabledOrDefault() {
		c.Finder = related.NewFinder(c.Embedder, c.VectorIndex,
			related.WithLimit(cfg.Match.RelatedLimit),
			related.WithThreshold(cfg.Match.RelatedThreshold),
			related.WithWeights(cfg.Match.KeywordWeight, cfg.Match.SemanticWeight),
			related.WithKeyword(c.KeywordIndex),
			related.WithNames(store),
			related.WithLogger(logger),
		)
		matchOpts = append(matchOpts, match.WithRelatedFinder(c.Finder))
	}
	c.Coordinator = match.New(store, c.Sandbox, matchOpts...)

	pipeOpts := []pipeline.Option{
		pipeline.WithIndexer(c.Indexer),
		pipeline.WithPresenter(match.LogPresenter{Logger: logger}),
		pipeline.WithLogger(logger),
	}
	if gen != nil {
		pipeOpts = append(pipeOpts, pipeline.WithExtractor(extract.NewExtractor(c.Broker,
			extract.WithPriority(cfg.Extraction.Priority),
			extract.WithLogger(logger),
		)))
	}
	c.Pipeline = pipeline.New(c.Coordinator, pipeOpts...)

	logger.Debug("components initialized",
		zap.String("vector_index_type", string(c.VectorIndex.Type())),
		zap.String("extraction", cfg.Extraction.Provider),
		zap.Bool("related", c.Finder != nil))
	ok = true
	return c, nil
}

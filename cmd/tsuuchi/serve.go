package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/pipeline"
	"github.com/hyperjump/tsuuchi/internal/server"
	"github.com/hyperjump/tsuuchi/internal/storage"
	"github.com/hyperjump/tsuuchi/internal/watcher"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and watch inbox directories for submission updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.setup(true)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	c, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.LoadVectors(ctx); err != nil {
		logger.Warn("vector index unavailable at startup", zap.Error(err))
	}

	watchSvc := watcher.New(cfg.Watch.Directories, cfg.Watch.RecursiveOrDefault(), watcher.Funcs{
		Changed: func(ctx context.Context, path string) {
			sub, err := pipeline.ReadSubmissionFile(path)
			if err != nil {
				logger.Warn("skipping unreadable submission", zap.String("path", path), zap.Error(err))
				return
			}
			c.Pipeline.Process(ctx, sub)
		},
		Removed: func(ctx context.Context, path string) {
			err := c.Pipeline.Delete(ctx, pipeline.SubmissionIDForPath(path))
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("delete on removal failed", zap.String("path", path), zap.Error(err))
			}
		},
	}, watcher.WithLogger(logger))
	if err := watchSvc.Start(ctx); err != nil {
		return err
	}
	defer watchSvc.Stop()
	if n := watchSvc.SyncExistingFiles(); n > 0 {
		logger.Info("queued existing submissions", zap.Int("count", n))
	}

	deps := server.Dependencies{
		Processor: c.Pipeline,
		Evaluator: c.Sandbox,
		Storage:   c.Storage,
		Indexes:   c.Indexer,
		Keywords:  c.KeywordIndex,
		Broker:    c.Broker,
		Watch:     watchSvc,
	}
	if c.Finder != nil {
		deps.Related = c.Finder
	}
	srv := server.NewServer(deps, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	watchSvc.Stop()
	c.PersistVectors()
	return err
}

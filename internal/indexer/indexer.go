// Package indexer keeps storage, the vector index and the keyword index in sync for submissions.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/embedding"
	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/storage"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

// rebuildPageSize is the number of submissions read per page when re-indexing keywords.
const rebuildPageSize = 500

// Indexer indexes submissions into storage, the keyword index and the vector index.
type Indexer struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	vectorIndex  *vector.Index
	keywordIndex keyword.Index
	vectorOpts   []vector.Option
	logger       *zap.Logger

	// writeMu orders vector writes against Rebuild, which replaces the whole index
	// with what it read from storage.
	writeMu sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (submission indexed, deleted, rebuilds).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithVectorOptions sets the options used when a vector index is rebuilt or loaded.
func WithVectorOptions(opts ...vector.Option) IndexerOption {
	return func(idx *Indexer) { idx.vectorOpts = opts }
}

// NewIndexer creates an indexer with the given dependencies.
// keywordIndex may be nil, in which case keyword indexing is skipped.
func NewIndexer(
	storage storage.Storage,
	embedder embedding.Embedder,
	vectorIndex *vector.Index,
	keywordIndex keyword.Index,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		storage:      storage,
		embedder:     embedder,
		vectorIndex:  vectorIndex,
		keywordIndex: keywordIndex,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// VectorIndex returns the live vector index.
func (idx *Indexer) VectorIndex() *vector.Index { return idx.vectorIndex }

// IndexSubmission stores sub, embeds it as a document, records the embedding and
// updates both indices. A submission without any text is stored but not embedded,
// and any previous point for it is removed.
func (idx *Indexer) IndexSubmission(ctx context.Context, sub *models.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	idx.logger.Debug("indexer indexing submission", zap.String("id", sub.ID))
	norm := normalizeSubmission(sub)
	if err := idx.storage.PutSubmission(ctx, norm); err != nil {
		return fmt.Errorf("failed to store submission: %w", err)
	}
	sub.UpdatedAt = norm.UpdatedAt

	text := norm.EmbeddingText()
	if text == "" {
		idx.writeMu.Lock()
		idx.vectorIndex.Remove(norm.ID)
		idx.writeMu.Unlock()
	} else {
		q, err := embedding.Embed(ctx, idx.embedder, text, embedding.ModelDocument)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		if err := idx.storeVector(ctx, models.EmbeddingRecord{ID: norm.ID, Vector: q, UpdatedAt: time.Now()}); err != nil {
			return err
		}
	}

	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.Index(ctx, norm); err != nil {
			return fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	idx.logger.Debug("indexer submission indexed",
		zap.String("id", norm.ID),
		zap.Bool("embedded", text != ""))
	return nil
}

// storeVector records rec in storage and the vector index as one step with respect to Rebuild.
func (idx *Indexer) storeVector(ctx context.Context, rec models.EmbeddingRecord) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	if err := idx.storage.PutEmbedding(ctx, rec); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if err := idx.vectorIndex.AddRecord(rec); err != nil {
		return fmt.Errorf("failed to index vector: %w", err)
	}
	return nil
}

// DeleteSubmission removes a submission from all indices and storage.
func (idx *Indexer) DeleteSubmission(ctx context.Context, id string) error {
	idx.logger.Debug("indexer deleting submission", zap.String("id", id))
	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete from keyword index: %w", err)
		}
	}
	idx.writeMu.Lock()
	idx.vectorIndex.Remove(id)
	err := idx.storage.DeleteSubmission(ctx, id)
	idx.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}
	idx.logger.Debug("indexer submission deleted", zap.String("id", id))
	return nil
}

// Rebuild rebuilds the vector index from the stored embedding records and swaps it in
// atomically; queries keep seeing the old contents until the swap. The keyword index is
// re-populated from stored submissions. Returns the number of vectors indexed.
// Submissions indexed or deleted while the rebuild runs wait for the swap.
func (idx *Indexer) Rebuild(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := idx.rebuildVectors(ctx)
	if err != nil {
		return 0, err
	}

	if idx.keywordIndex != nil {
		if err := idx.reindexKeywords(ctx); err != nil {
			return n, err
		}
	}
	idx.logger.Info("indexes rebuilt",
		zap.Int("vectors", n),
		zap.Duration("elapsed", time.Since(start)))
	return n, nil
}

func (idx *Indexer) rebuildVectors(ctx context.Context) (int, error) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()
	records, err := idx.storage.EmbeddingRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read embedding records: %w", err)
	}
	fresh, err := vector.Build(idx.vectorIndex.Dimension(), records, idx.vectorOpts...)
	if err != nil {
		return 0, fmt.Errorf("failed to build vector index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := idx.vectorIndex.ReplaceWith(fresh); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (idx *Indexer) reindexKeywords(ctx context.Context) error {
	for offset := 0; ; offset += rebuildPageSize {
		subs, err := idx.storage.ListSubmissions(ctx, offset, rebuildPageSize)
		if err != nil {
			return fmt.Errorf("failed to list submissions: %w", err)
		}
		for _, sub := range subs {
			if err := idx.keywordIndex.Index(ctx, sub); err != nil {
				return fmt.Errorf("failed to index keywords for %s: %w", sub.ID, err)
			}
		}
		if len(subs) < rebuildPageSize {
			return nil
		}
	}
}

// LoadOrRebuild loads a persisted vector index from path and swaps it in. When the file is
// missing, corrupt or of another dimension, the index is rebuilt from stored embedding records.
// Returns true when the persisted file was used.
func (idx *Indexer) LoadOrRebuild(ctx context.Context, path string) (bool, error) {
	loaded, err := vector.Load(path, idx.vectorOpts...)
	if err == nil {
		idx.writeMu.Lock()
		err := idx.vectorIndex.ReplaceWith(loaded)
		idx.writeMu.Unlock()
		if err == nil {
			idx.logger.Info("vector index loaded", zap.String("path", path), zap.Int("size", loaded.Size()))
			return true, nil
		}
		idx.logger.Warn("persisted vector index has a different dimension, rebuilding",
			zap.String("path", path),
			zap.Int("dimension", loaded.Dimension()),
			zap.Int("expected", idx.vectorIndex.Dimension()))
	} else {
		var unavailable *vector.IndexUnavailableError
		if !errors.As(err, &unavailable) {
			return false, err
		}
		idx.logger.Warn("vector index unavailable, rebuilding", zap.String("path", path), zap.Error(err))
	}
	if _, err := idx.Rebuild(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// Persist writes the vector index to path.
func (idx *Indexer) Persist(path string) error {
	if err := idx.vectorIndex.Persist(path); err != nil {
		return err
	}
	idx.logger.Debug("vector index persisted", zap.String("path", path), zap.Int("size", idx.vectorIndex.Size()))
	return nil
}

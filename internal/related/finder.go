// Package related finds previously indexed submissions that look like possible duplicates
// of a submission, fusing semantic similarity with keyword hits on the name.
package related

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tsuuchi/internal/embedding"
	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

const (
	DefaultLimit          = 5
	DefaultThreshold      = 0.85
	DefaultKeywordWeight  = 0.3
	DefaultSemanticWeight = 0.7
)

// VectorQuerier is the part of the vector index the finder needs.
type VectorQuerier interface {
	Query(ctx context.Context, vec []float32, k int) ([]vector.Result, error)
}

// KeywordSearcher is the part of the keyword index the finder needs.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, limit int, opts *keyword.SearchOptions) ([]*keyword.Result, error)
}

// NameLookup returns display names for submission IDs. Unknown IDs are omitted.
type NameLookup interface {
	SubmissionNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Option configures a Finder.
type Option func(*Finder)

// WithLimit sets the maximum number of related entries returned.
func WithLimit(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.limit = n
		}
	}
}

// WithThreshold sets the minimum cosine similarity for a candidate.
func WithThreshold(t float64) Option {
	return func(f *Finder) {
		f.threshold = t
	}
}

// WithWeights sets the keyword and semantic fusion weights.
func WithWeights(keywordWeight, semanticWeight float64) Option {
	return func(f *Finder) {
		if keywordWeight >= 0 && semanticWeight >= 0 && keywordWeight+semanticWeight > 0 {
			f.keywordWeight = keywordWeight
			f.semanticWeight = semanticWeight
		}
	}
}

// WithKeyword enables keyword fusion over submission names.
func WithKeyword(k KeywordSearcher) Option {
	return func(f *Finder) {
		f.keyword = k
	}
}

// WithNames sets the lookup used to fill in entry names.
func WithNames(n NameLookup) Option {
	return func(f *Finder) {
		f.names = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Finder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Finder looks up related submissions.
type Finder struct {
	embedder       embedding.Embedder
	vectors        VectorQuerier
	keyword        KeywordSearcher
	names          NameLookup
	logger         *zap.Logger
	limit          int
	threshold      float64
	keywordWeight  float64
	semanticWeight float64
}

// NewFinder creates a Finder. The embedder should route through the broker as query embeddings.
func NewFinder(embedder embedding.Embedder, vectors VectorQuerier, opts ...Option) *Finder {
	f := &Finder{
		embedder:       embedder,
		vectors:        vectors,
		logger:         zap.NewNop(),
		limit:          DefaultLimit,
		threshold:      DefaultThreshold,
		keywordWeight:  DefaultKeywordWeight,
		semanticWeight: DefaultSemanticWeight,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Related returns up to limit submissions similar to sub, excluding sub itself,
// ordered by fused score. Keyword failures degrade to semantic-only ranking.
func (f *Finder) Related(ctx context.Context, sub *models.Submission) ([]models.RelatedEntry, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	text := sub.EmbeddingText()
	if text == "" {
		return []models.RelatedEntry{}, nil
	}

	var (
		semantic []vector.Result
		keywords []*keyword.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := embedding.Embed(gctx, f.embedder, text, embedding.ModelQuery)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		vec := embedding.Dequantize(q)
		// One extra in case the submission itself is already indexed.
		results, err := f.vectors.Query(gctx, vec, f.limit+1)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		semantic = results
		return nil
	})
	if f.keyword != nil && f.keywordWeight > 0 && sub.Name != "" {
		g.Go(func() error {
			results, err := f.keyword.Search(gctx, sub.Name, f.limit*4, &keyword.SearchOptions{NameBoost: 3})
			if err != nil {
				f.logger.Warn("keyword search failed, using semantic scores only",
					zap.String("submission_id", sub.ID), zap.Error(err))
				return nil
			}
			keywords = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(
		NormalizeKeywordScores(keywords),
		SemanticScores(semantic, sub.ID, f.threshold),
		f.keywordWeight, f.semanticWeight)
	if len(fused) > f.limit {
		fused = fused[:f.limit]
	}

	entries := make([]models.RelatedEntry, len(fused))
	ids := make([]string, len(fused))
	for i, r := range fused {
		ids[i] = r.ID
		entries[i] = models.RelatedEntry{
			ID:           r.ID,
			Similarity:   r.SemanticScore,
			KeywordScore: r.KeywordScore,
			Score:        r.Score,
		}
	}
	if f.names != nil && len(ids) > 0 {
		names, err := f.names.SubmissionNames(ctx, ids)
		if err != nil {
			f.logger.Warn("failed to look up related names", zap.Error(err))
		}
		for i := range entries {
			entries[i].Name = names[entries[i].ID]
		}
	}

	f.logger.Debug("related lookup finished",
		zap.String("submission_id", sub.ID),
		zap.Int("semantic_candidates", len(semantic)),
		zap.Int("keyword_hits", len(keywords)),
		zap.Int("related", len(entries)))
	return entries, nil
}

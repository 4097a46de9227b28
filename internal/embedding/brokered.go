package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/broker"
	"github.com/hyperjump/tsuuchi/internal/models"
)

// Batch is the broker payload for embedding requests.
type Batch struct {
	Texts []string
	Model ModelType
}

// Dispatcher adapts e to the broker's embed_document and embed_query kinds.
// The future's value is a [][]int8 positionally matching Batch.Texts.
func Dispatcher(e Embedder) broker.Dispatcher {
	return broker.DispatcherFunc(func(ctx context.Context, req *broker.Request) (any, error) {
		batch, ok := req.Payload.(*Batch)
		if !ok {
			return nil, fmt.Errorf("embedding dispatcher: unexpected payload %T", req.Payload)
		}
		vecs, err := e.EmbedBatch(ctx, batch.Texts, batch.Model)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch.Texts) {
			return nil, fmt.Errorf("%w: sent %d texts, got %d vectors", ErrCountMismatch, len(batch.Texts), len(vecs))
		}
		return vecs, nil
	})
}

// Register installs Dispatcher(e) on mux for both embedding kinds.
func Register(mux *broker.Mux, e Embedder) {
	d := Dispatcher(e)
	mux.Handle(broker.KindEmbedDocument, d)
	mux.Handle(broker.KindEmbedQuery, d)
}

// Submitter is the part of the broker the embedder needs.
type Submitter interface {
	Submit(kind broker.Kind, priority int, payload any, schema *models.Schema) *broker.Future
}

// BrokeredOption configures a Brokered embedder.
type BrokeredOption func(*Brokered)

// WithCache enables caching of embeddings.
func WithCache(c *Cache) BrokeredOption {
	return func(b *Brokered) { b.cache = c }
}

// WithBatchSize sets the maximum number of texts per broker request.
func WithBatchSize(n int) BrokeredOption {
	return func(b *Brokered) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithPriorities sets broker priorities for document and query embedding.
func WithPriorities(document, query int) BrokeredOption {
	return func(b *Brokered) {
		b.documentPriority = document
		b.queryPriority = query
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) BrokeredOption {
	return func(b *Brokered) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Brokered is an Embedder that routes endpoint calls through the request broker,
// so embedding shares the broker's concurrency bound, priorities and timeouts.
type Brokered struct {
	submitter        Submitter
	dimensions       int
	cache            *Cache
	batchSize        int
	documentPriority int
	queryPriority    int
	logger           *zap.Logger
}

// NewBrokered creates a brokered embedder producing vectors of length dimensions.
func NewBrokered(submitter Submitter, dimensions int, opts ...BrokeredOption) *Brokered {
	b := &Brokered{
		submitter:     submitter,
		dimensions:    dimensions,
		batchSize:     32,
		queryPriority: 10,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dimensions returns the embedding dimension.
func (b *Brokered) Dimensions() int { return b.dimensions }

// SubmitBatch enqueues one embedding request for texts and returns its future without waiting.
func (b *Brokered) SubmitBatch(texts []string, model ModelType) *broker.Future {
	priority := b.documentPriority
	if model == ModelQuery {
		priority = b.queryPriority
	}
	return b.submitter.Submit(model.Kind(), priority, &Batch{Texts: texts, Model: model}, nil)
}

// EmbedBatch embeds texts, serving cached vectors directly and submitting the rest in
// batches. All batches are queued before any is awaited. If one batch fails the others
// are cancelled and the error is returned.
func (b *Brokered) EmbedBatch(ctx context.Context, texts []string, model ModelType) ([][]int8, error) {
	out := make([][]int8, len(texts))
	var missing []int
	for i, text := range texts {
		if b.cache != nil {
			if v, ok := b.cache.Get(model, text); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	type pending struct {
		future  *broker.Future
		indices []int
	}
	var batches []pending
	for start := 0; start < len(missing); start += b.batchSize {
		end := start + b.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		indices := missing[start:end]
		chunk := make([]string, len(indices))
		for j, i := range indices {
			chunk[j] = texts[i]
		}
		batches = append(batches, pending{future: b.SubmitBatch(chunk, model), indices: indices})
	}
	cancelFrom := func(k int) {
		for _, p := range batches[k:] {
			p.future.Cancel()
		}
	}

	for k, p := range batches {
		v, err := p.future.Await(ctx)
		if err != nil {
			cancelFrom(k)
			return nil, fmt.Errorf("embed %s batch: %w", model, err)
		}
		vecs, ok := v.([][]int8)
		if !ok || len(vecs) != len(p.indices) {
			cancelFrom(k + 1)
			return nil, fmt.Errorf("%w: sent %d texts, got %d vectors", ErrCountMismatch, len(p.indices), len(vecs))
		}
		for j, i := range p.indices {
			if len(vecs[j]) != b.dimensions {
				cancelFrom(k + 1)
				return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(vecs[j]), b.dimensions)
			}
			out[i] = vecs[j]
			if b.cache != nil {
				b.cache.Set(model, texts[i], vecs[j])
			}
		}
	}
	b.logger.Debug("embedded texts",
		zap.Int("texts", len(texts)),
		zap.Int("submitted", len(missing)),
		zap.Int("batches", len(batches)),
		zap.String("model_type", string(model)))
	return out, nil
}

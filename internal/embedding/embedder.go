// Package embedding talks to the embedding endpoint and adapts it to the broker:
// a wire codec for quantized vectors, an HTTP client, an LRU cache and a brokered embedder.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/tsuuchi/internal/broker"
)

// ModelType selects how the endpoint embeds text.
type ModelType string

const (
	ModelDocument ModelType = "document"
	ModelQuery    ModelType = "query"
)

// Kind returns the broker request kind for embedding with m.
func (m ModelType) Kind() broker.Kind {
	if m == ModelQuery {
		return broker.KindEmbedQuery
	}
	return broker.KindEmbedDocument
}

// Embedder produces quantized vector embeddings for text.
// The i-th output vector belongs to the i-th input text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, model ModelType) ([][]int8, error)
	Dimensions() int
}

// Embed embeds a single text with e.
func Embed(ctx context.Context, e Embedder, text string, model ModelType) ([]int8, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: sent 1 text, got %d vectors", ErrCountMismatch, len(vecs))
	}
	return vecs[0], nil
}

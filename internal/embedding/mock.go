package embedding

import (
	"context"
	"math"

	"github.com/hyperjump/tsuuchi/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests. It returns a fixed-dimension
// vector derived from the text hash so that the same text always gets the same embedding.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Vector returns the deterministic unit-length embedding for text before quantization.
func (e *MockEmbedder) Vector(text string) []float32 {
	h := HashString(text)
	emb := make([]float32, e.dimensions)
	for i := 0; i < e.dimensions; i++ {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb
}

// EmbedBatch quantizes Vector for each text. The model type is ignored.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string, model ModelType) ([][]int8, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]int8, len(texts))
	for i, text := range texts {
		out[i] = Quantize(e.Vector(text))
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// HashString returns a non-negative hash of s.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Package extract turns submissions into structured records by calling an external
// generation service through the broker.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperjump/tsuuchi/internal/config"
	"github.com/hyperjump/tsuuchi/internal/models"
)

// ErrEmptyResult is returned when the service answers without a result.
var ErrEmptyResult = errors.New("empty extraction result")

// Generator produces JSON constrained by schema from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, schema *models.Schema) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, schema *models.Schema) (json.RawMessage, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, schema *models.Schema) (json.RawMessage, error) {
	return f(ctx, prompt, schema)
}

// NewGenerator creates the generator selected by cfg.Provider. Provider "none" returns nil.
func NewGenerator(ctx context.Context, cfg config.ExtractionConfig, opts ...HTTPOption) (Generator, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return nil, nil
	case config.ProviderHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("extraction endpoint is required for provider %q", cfg.Provider)
		}
		return NewHTTPGenerator(cfg.Endpoint, opts...), nil
	case config.ProviderGenAI:
		gen, err := NewGenAIGenerator(ctx, cfg.APIKey, cfg.Model, WithBaseURL(cfg.Endpoint))
		if err != nil {
			return nil, err
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
}

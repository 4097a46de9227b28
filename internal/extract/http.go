package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/pkg/utils"
)

// generateRequest is the JSON body sent to the generation endpoint.
type generateRequest struct {
	Prompt         string         `json:"prompt"`
	ResponseSchema *models.Schema `json:"responseSchema,omitempty"`
}

// generateResponse is the JSON returned by the generation endpoint: exactly one of
// result or error is set.
type generateResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// HTTPGenerator calls a generation endpoint over HTTP.
type HTTPGenerator struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// HTTPOption configures an HTTPGenerator.
type HTTPOption func(*HTTPGenerator)

// WithHTTPClient sets the HTTP client. Deadlines come from the request context.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(g *HTTPGenerator) {
		if hc != nil {
			g.httpClient = hc
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(g *HTTPGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewHTTPGenerator creates a generator that POSTs to endpoint.
func NewHTTPGenerator(endpoint string, opts ...HTTPOption) *HTTPGenerator {
	g := &HTTPGenerator{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sends {prompt, responseSchema} and returns the result JSON.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, schema *models.Schema) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, ResponseSchema: schema})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading generate response: %w", err)
	}
	var result generateResponse
	decodeErr := json.Unmarshal(data, &result)
	if decodeErr == nil && result.Error != "" {
		return nil, fmt.Errorf("generate: %s", result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate: unexpected status %d: %s", resp.StatusCode, utils.Truncate(strings.TrimSpace(string(data)), 200))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding generate response: %w", decodeErr)
	}
	if len(result.Result) == 0 || string(result.Result) == "null" {
		return nil, ErrEmptyResult
	}
	g.logger.Debug("generation finished", zap.Int("prompt_len", len(prompt)), zap.Int("result_len", len(result.Result)))
	return result.Result, nil
}

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/pkg/utils"
)

// embedRequest is the JSON body for POST /embed.
type embedRequest struct {
	Texts     []string  `json:"texts"`
	ModelType ModelType `json:"model_type"`
}

// embedResponse is the JSON returned by POST /embed.
type embedResponse struct {
	Embeddings []string `json:"embeddings"`
}

// Client calls the embedding endpoint over HTTP.
type Client struct {
	baseURL    string
	dimensions int
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Deadlines come from the request context.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client for the endpoint at baseURL producing vectors of length dimensions.
func NewClient(baseURL string, dimensions int, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		dimensions: dimensions,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimensions returns the expected vector length.
func (c *Client) Dimensions() int { return c.dimensions }

// EmbedBatch sends texts in one request. The response must contain exactly one
// vector per text, each of the configured dimension.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, model ModelType) ([][]int8, error) {
	if len(texts) == 0 {
		return [][]int8{}, nil
	}
	body, err := json.Marshal(embedRequest{Texts: texts, ModelType: model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed: unexpected status %d: %s", resp.StatusCode, utils.Truncate(strings.TrimSpace(string(snippet)), 200))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: sent %d texts, got %d vectors", ErrCountMismatch, len(texts), len(result.Embeddings))
	}

	out := make([][]int8, len(texts))
	for i, s := range result.Embeddings {
		v, err := DecodeVector(s, c.dimensions)
		if err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
		out[i] = v
	}
	c.logger.Debug("embedded batch",
		zap.Int("texts", len(texts)),
		zap.String("model_type", string(model)))
	return out, nil
}

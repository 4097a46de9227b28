package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// DefaultGenAIModel is used when no model is configured.
const DefaultGenAIModel = "gemini-2.0-flash"

// GenAIOption configures a GenAIGenerator.
type GenAIOption func(*genai.ClientConfig)

// WithBaseURL overrides the API base URL. Empty keeps the default.
func WithBaseURL(url string) GenAIOption {
	return func(cc *genai.ClientConfig) {
		if url != "" {
			cc.HTTPOptions.BaseURL = url
		}
	}
}

// GenAIGenerator generates structured output with Google's Gemini API.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator creates a Gemini-backed generator.
func NewGenAIGenerator(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIGenerator{client: client, model: model}, nil
}

// Generate asks the model for JSON matching schema.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string, schema *models.Schema) (json.RawMessage, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenAISchema(schema),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResult
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("GenAI returned invalid JSON: %q", text)
	}
	return json.RawMessage(text), nil
}

// toGenAISchema converts a schema to the Gemini response schema form.
func toGenAISchema(s *models.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGenAISchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = toGenAISchema(p)
		}
	}
	return out
}

func genaiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

package extract

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hyperjump/tsuuchi/internal/models"
)

func TestToGenAISchema(t *testing.T) {
	assert.Nil(t, toGenAISchema(nil))

	s := toGenAISchema(DefaultSchema())
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"summary", "content_type"}, s.Required)
	assert.Equal(t, genai.TypeArray, s.Properties["authors"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["authors"].Items.Type)
	assert.Equal(t, genai.TypeBoolean, s.Properties["nsfw"].Type)
	assert.Contains(t, s.Properties["content_type"].Enum, "software")
}

func TestGenaiType(t *testing.T) {
	tests := map[string]genai.Type{
		"object":  genai.TypeObject,
		"ARRAY":   genai.TypeArray,
		"integer": genai.TypeInteger,
		"number":  genai.TypeNumber,
		"boolean": genai.TypeBoolean,
		"string":  genai.TypeString,
		"":        genai.TypeString,
	}
	for in, want := range tests {
		assert.Equal(t, want, genaiType(in), "genaiType(%q)", in)
	}
}

func TestNewGenAIGenerator_RequiresKey(t *testing.T) {
	_, err := NewGenAIGenerator(t.Context(), "", "")
	require.Error(t, err)
}

func TestGenAIGenerator_Generate(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": `{"summary":"tidal poem","content_type":"text"}`}},
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	gen, err := NewGenAIGenerator(t.Context(), "test-key", "", WithBaseURL(srv.URL))
	require.NoError(t, err)

	raw, err := gen.Generate(t.Context(), "describe the tide", &models.Schema{Type: "object"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"tidal poem","content_type":"text"}`, string(raw))
	assert.True(t, strings.HasSuffix(path, DefaultGenAIModel+":generateContent"), "path %s", path)
	assert.Contains(t, body, "describe the tide")
	assert.Contains(t, body, "application/json")
}

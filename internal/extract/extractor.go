package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/broker"
	"github.com/hyperjump/tsuuchi/internal/models"
)

// DefaultPriority is the broker priority of extraction requests.
const DefaultPriority = 5

// Job is the broker payload for extraction requests.
type Job struct {
	SubmissionID string
	Prompt       string
}

// Dispatcher adapts gen to the broker's extract kind. The request schema constrains the
// response; the future's value is the raw JSON result.
func Dispatcher(gen Generator) broker.Dispatcher {
	return broker.DispatcherFunc(func(ctx context.Context, req *broker.Request) (any, error) {
		job, ok := req.Payload.(*Job)
		if !ok {
			return nil, fmt.Errorf("extract dispatcher: unexpected payload %T", req.Payload)
		}
		return gen.Generate(ctx, job.Prompt, req.Schema)
	})
}

// Register installs Dispatcher(gen) on mux.
func Register(mux *broker.Mux, gen Generator) {
	mux.Handle(broker.KindExtract, Dispatcher(gen))
}

// Submitter is the part of the broker the extractor needs.
type Submitter interface {
	Submit(kind broker.Kind, priority int, payload any, schema *models.Schema) *broker.Future
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithPriority sets the broker priority of extraction requests.
func WithPriority(p int) Option {
	return func(e *Extractor) { e.priority = p }
}

// WithSchema sets the response schema. Nil keeps DefaultSchema.
func WithSchema(s *models.Schema) Option {
	return func(e *Extractor) {
		if s != nil {
			e.schema = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Extractor submits extraction requests for submissions through the broker.
type Extractor struct {
	submitter Submitter
	priority  int
	schema    *models.Schema
	logger    *zap.Logger
}

// NewExtractor creates an extractor submitting to submitter.
func NewExtractor(submitter Submitter, opts ...Option) *Extractor {
	e := &Extractor{
		submitter: submitter,
		priority:  DefaultPriority,
		schema:    DefaultSchema(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the response schema in use.
func (e *Extractor) Schema() *models.Schema { return e.schema }

// Submit enqueues an extraction request for sub and returns its future without waiting.
func (e *Extractor) Submit(sub *models.Submission) *broker.Future {
	job := &Job{SubmissionID: sub.ID, Prompt: BuildPrompt(sub, e.schema)}
	return e.submitter.Submit(broker.KindExtract, e.priority, job, e.schema)
}

// Extract submits sub, waits for the result and decodes it into record fields.
// If ctx ends first the request is cancelled.
func (e *Extractor) Extract(ctx context.Context, sub *models.Submission) (map[string]any, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	f := e.Submit(sub)
	v, err := f.Await(ctx)
	if err != nil {
		f.Cancel()
		return nil, err
	}
	fields, err := DecodeRecord(v)
	if err != nil {
		return nil, fmt.Errorf("extraction for %s: %w", sub.ID, err)
	}
	e.logger.Debug("extraction finished",
		zap.String("submission_id", sub.ID),
		zap.Int("fields", len(fields)))
	return fields, nil
}

// DecodeRecord decodes a future value holding a JSON object.
func DecodeRecord(v any) (map[string]any, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	case map[string]any:
		return x, nil
	default:
		return nil, fmt.Errorf("unexpected result type %T", v)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("result is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, ErrEmptyResult
	}
	return fields, nil
}

// DefaultSchema describes the record fields extracted from a submission.
func DefaultSchema() *models.Schema {
	return &models.Schema{
		Type:        "object",
		Description: "Structured facts about an archive submission.",
		Properties: map[string]*models.Schema{
			"summary": {Type: "string", Description: "One or two sentence summary of the submission."},
			"authors": {
				Type:        "array",
				Description: "Names of the people credited for the submission.",
				Items:       &models.Schema{Type: "string"},
			},
			"language": {Type: "string", Description: "ISO 639-1 code of the main language."},
			"content_type": {
				Type:        "string",
				Description: "Kind of work submitted.",
				Enum:        []string{"text", "image", "audio", "video", "software", "other"},
			},
			"topics": {
				Type:        "array",
				Description: "Short lowercase topic keywords.",
				Items:       &models.Schema{Type: "string"},
			},
			"nsfw": {Type: "boolean", Description: "Whether the submission contains adult content."},
		},
		Required: []string{"summary", "content_type"},
	}
}

// BuildPrompt renders the extraction prompt for sub.
func BuildPrompt(sub *models.Submission, schema *models.Schema) string {
	var b strings.Builder
	b.WriteString("Extract structured information from the archive submission below.\n")
	b.WriteString("Answer with a single JSON object")
	if schema != nil && len(schema.Properties) > 0 {
		b.WriteString(" with the fields: ")
		b.WriteString(strings.Join(sortedKeys(schema.Properties), ", "))
	}
	b.WriteString(". Use only information present in the submission.\n\n")
	fmt.Fprintf(&b, "Name: %s\n", sub.Name)
	if len(sub.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(sub.Tags, ", "))
	}
	if sub.Text != "" {
		b.WriteString("Text:\n")
		b.WriteString(sub.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package pipeline runs the full submission-update flow: extraction, subscription
// matching, presentation and indexing.
package pipeline

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// Extractor extracts record fields for a submission.
type Extractor interface {
	Extract(ctx context.Context, sub *models.Submission) (map[string]any, error)
}

// Matcher evaluates subscriptions for a submission.
type Matcher interface {
	OnSubmissionUpdated(ctx context.Context, sub *models.Submission) *models.MatchReport
}

// Presenter delivers a report.
type Presenter interface {
	Present(ctx context.Context, report *models.MatchReport) error
}

// Indexer keeps the search indices up to date.
type Indexer interface {
	IndexSubmission(ctx context.Context, sub *models.Submission) error
	DeleteSubmission(ctx context.Context, id string) error
}

// Outcome is the result of processing one submission update.
type Outcome struct {
	Submission *models.Submission  `json:"submission"`
	Report     *models.MatchReport `json:"report"`
	Extracted  bool                `json:"extracted"`
	Indexed    bool                `json:"indexed"`
	Duration   time.Duration       `json:"duration_ns"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor enables extraction before matching.
func WithExtractor(e Extractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// WithPresenter sets where reports are delivered.
func WithPresenter(pr Presenter) Option {
	return func(p *Pipeline) { p.presenter = pr }
}

// WithIndexer enables indexing after matching.
func WithIndexer(ix Indexer) Option {
	return func(p *Pipeline) { p.indexer = ix }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline processes submission updates.
type Pipeline struct {
	matcher   Matcher
	extractor Extractor
	presenter Presenter
	indexer   Indexer
	logger    *zap.Logger
}

// New creates a pipeline around matcher.
func New(matcher Matcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		matcher: matcher,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every stage for sub. A submission without an ID is given one.
// Stage failures never abort the flow; they are reported as diagnostics on the report.
// The caller's submission is not modified. A nil submission runs no stages and
// yields an empty submission with an error diagnostic.
func (p *Pipeline) Process(ctx context.Context, sub *models.Submission) *Outcome {
	start := time.Now()
	if sub == nil {
		report := &models.MatchReport{MatchedChannelIDs: []string{}, Results: []models.MatchResult{}}
		report.AddDiagnostic(models.LogError, "no submission to process")
		p.logger.Error("process called without a submission")
		return &Outcome{Submission: &models.Submission{}, Report: report, Duration: time.Since(start)}
	}
	work := *sub
	work.Record = maps.Clone(sub.Record)
	if work.ID == "" {
		work.ID = uuid.NewString()
	}
	out := &Outcome{Submission: &work}
	var diags []models.LogEntry

	if p.extractor != nil {
		fields, err := p.extractor.Extract(ctx, &work)
		if err != nil {
			diags = append(diags, models.LogEntry{Kind: models.LogWarn, Message: fmt.Sprintf("extraction failed: %v", err)})
			p.logger.Warn("extraction failed", zap.String("submission", work.ID), zap.Error(err))
		} else {
			work.MergeRecord(fields)
			out.Extracted = true
		}
	}

	report := p.matcher.OnSubmissionUpdated(ctx, &work)
	report.Diagnostics = append(diags, report.Diagnostics...)
	out.Report = report

	if p.presenter != nil {
		if err := p.presenter.Present(ctx, report); err != nil {
			report.AddDiagnostic(models.LogWarn, fmt.Sprintf("presenting report: %v", err))
			p.logger.Warn("presenter failed", zap.String("submission", work.ID), zap.Error(err))
		}
	}

	if p.indexer != nil {
		if err := p.indexer.IndexSubmission(ctx, &work); err != nil {
			report.AddDiagnostic(models.LogWarn, fmt.Sprintf("indexing failed: %v", err))
			p.logger.Warn("indexing failed", zap.String("submission", work.ID), zap.Error(err))
		} else {
			out.Indexed = true
		}
	}

	out.Duration = time.Since(start)
	p.logger.Info("submission processed",
		zap.String("submission", work.ID),
		zap.Int("matched", len(report.MatchedChannelIDs)),
		zap.Int("related", len(report.Related)),
		zap.Int("diagnostics", len(report.Diagnostics)),
		zap.Duration("elapsed", out.Duration))
	return out
}

// Delete removes a submission from the indices and storage.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	if p.indexer == nil {
		return nil
	}
	return p.indexer.DeleteSubmission(ctx, id)
}

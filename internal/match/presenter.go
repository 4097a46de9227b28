package match

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// Presenter delivers a report to users. Formatting, delivery and retry are its concern.
type Presenter interface {
	Present(ctx context.Context, report *models.MatchReport) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, report *models.MatchReport) error

func (f PresenterFunc) Present(ctx context.Context, report *models.MatchReport) error {
	return f(ctx, report)
}

// LogPresenter writes reports to a zap logger.
type LogPresenter struct {
	Logger *zap.Logger
}

// Present logs one line per subscription and one per related entry.
func (p LogPresenter) Present(ctx context.Context, report *models.MatchReport) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("submission", report.SubmissionID))
	for _, r := range report.Results {
		logger.Info("subscription result",
			zap.String("channel", r.ChannelID),
			zap.Bool("matched", r.Matched),
			zap.Int("logs", len(r.Logs)),
			zap.Bool("errors", r.HasErrors()))
	}
	for _, rel := range report.Related {
		logger.Info("possible duplicate",
			zap.String("id", rel.ID),
			zap.String("name", rel.Name),
			zap.Float64("similarity", rel.Similarity))
	}
	for _, d := range report.Diagnostics {
		logger.Warn("diagnostic", zap.String("kind", string(d.Kind)), zap.String("message", d.Message))
	}
	return nil
}

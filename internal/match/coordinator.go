// Package match runs every subscription rule against an updated submission and
// assembles the diagnostic report handed to the presenter.
package match

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/tsuuchi/internal/models"
	"github.com/hyperjump/tsuuchi/internal/sandbox"
)

const (
	DefaultFanout         = 4
	DefaultRelatedTimeout = 10 * time.Second
)

// SubscriptionSource yields the subscription table in a stable order.
type SubscriptionSource interface {
	Subscriptions(ctx context.Context) ([]models.SubscriptionRule, error)
}

// Evaluator evaluates one rule. Implementations must not panic or block past their deadline.
type Evaluator interface {
	EvaluateRule(ctx context.Context, rule models.SubscriptionRule, b sandbox.Bindings) models.MatchResult
}

// Resolver resolves the display names of a submission's archive channel and category.
type Resolver interface {
	ResolveNames(ctx context.Context, sub *models.Submission) (archiveChannel, category string, err error)
}

// RelatedFinder finds submissions similar to sub.
type RelatedFinder interface {
	Related(ctx context.Context, sub *models.Submission) ([]models.RelatedEntry, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResolver sets the name resolver. Without one, IDs are used as names.
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithRelatedFinder enables the related-entry lookup.
func WithRelatedFinder(f RelatedFinder) Option {
	return func(c *Coordinator) { c.related = f }
}

// WithFanout bounds the number of rules evaluated at once.
func WithFanout(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.fanout = n
		}
	}
}

// WithRelatedTimeout bounds the related-entry lookup.
func WithRelatedTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.relatedTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator evaluates subscriptions for submission updates.
// It holds no locks; every evaluation reads shared immutable inputs and writes only
// its own slot of the result slice.
type Coordinator struct {
	subscriptions  SubscriptionSource
	evaluator      Evaluator
	resolver       Resolver
	related        RelatedFinder
	fanout         int
	relatedTimeout time.Duration
	logger         *zap.Logger
}

// New creates a coordinator.
func New(subscriptions SubscriptionSource, evaluator Evaluator, opts ...Option) *Coordinator {
	c := &Coordinator{
		subscriptions:  subscriptions,
		evaluator:      evaluator,
		fanout:         DefaultFanout,
		relatedTimeout: DefaultRelatedTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnSubmissionUpdated evaluates every subscription against sub. It never fails:
// problems with name resolution, the subscription table or the related lookup are
// reported as diagnostics, and rule failures as entries in that rule's logs.
// A nil submission yields an empty report carrying an error diagnostic.
func (c *Coordinator) OnSubmissionUpdated(ctx context.Context, sub *models.Submission) *models.MatchReport {
	start := time.Now()
	report := &models.MatchReport{
		MatchedChannelIDs: []string{},
		Results:           []models.MatchResult{},
	}
	if sub == nil {
		report.AddDiagnostic(models.LogError, "no submission to match")
		c.logger.Error("submission update without a submission")
		return report
	}
	report.SubmissionID = sub.ID

	relatedDone := c.startRelated(ctx, sub)

	archiveName, categoryName := sub.ArchiveChannelID, sub.CategoryID
	if c.resolver != nil {
		a, cat, err := c.resolver.ResolveNames(ctx, sub)
		if err != nil {
			report.AddDiagnostic(models.LogWarn, fmt.Sprintf("resolving channel and category names: %v", err))
			c.logger.Warn("name resolution failed", zap.String("submission", sub.ID), zap.Error(err))
		} else {
			archiveName, categoryName = a, cat
		}
	}
	bindings := sandbox.BindingsFor(sub, archiveName, categoryName)

	rules, err := c.subscriptions.Subscriptions(ctx)
	if err != nil {
		report.AddDiagnostic(models.LogError, fmt.Sprintf("reading subscriptions: %v", err))
		c.logger.Error("subscription table unavailable", zap.String("submission", sub.ID), zap.Error(err))
	} else {
		report.Results = c.evaluateAll(ctx, rules, bindings)
		for _, r := range report.Results {
			if r.Matched {
				report.MatchedChannelIDs = append(report.MatchedChannelIDs, r.ChannelID)
			}
		}
	}

	if relatedDone != nil {
		out := <-relatedDone
		if out.err != nil {
			report.AddDiagnostic(models.LogWarn, fmt.Sprintf("related lookup: %v", out.err))
			c.logger.Warn("related lookup failed", zap.String("submission", sub.ID), zap.Error(out.err))
		} else {
			report.Related = out.entries
		}
	}

	report.Duration = time.Since(start)
	c.logger.Info("submission matched",
		zap.String("submission", sub.ID),
		zap.Int("subscriptions", len(report.Results)),
		zap.Int("matched", len(report.MatchedChannelIDs)),
		zap.Int("related", len(report.Related)),
		zap.Duration("duration", report.Duration))
	return report
}

// evaluateAll evaluates rules with at most fanout in flight. Results keep rule order.
func (c *Coordinator) evaluateAll(ctx context.Context, rules []models.SubscriptionRule, b sandbox.Bindings) []models.MatchResult {
	results := make([]models.MatchResult, len(rules))
	var g errgroup.Group
	g.SetLimit(c.fanout)
	for i, rule := range rules {
		g.Go(func() error {
			results[i] = c.evaluateOne(ctx, rule, b)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) evaluateOne(ctx context.Context, rule models.SubscriptionRule, b sandbox.Bindings) (res models.MatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = models.MatchResult{
				ChannelID: rule.ChannelID,
				Logs:      []models.LogEntry{{Kind: models.LogError, Message: fmt.Sprintf("evaluator panic: %v", r)}},
			}
		}
	}()
	res = c.evaluator.EvaluateRule(ctx, rule, b)
	res.ChannelID = rule.ChannelID
	if res.Logs == nil {
		res.Logs = []models.LogEntry{}
	}
	return res
}

type relatedOutcome struct {
	entries []models.RelatedEntry
	err     error
}

// startRelated runs the related lookup in the background. Returns nil when disabled.
func (c *Coordinator) startRelated(ctx context.Context, sub *models.Submission) <-chan relatedOutcome {
	if c.related == nil {
		return nil
	}
	ch := make(chan relatedOutcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.relatedTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ch <- relatedOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		entries, err := c.related.Related(ctx, sub)
		ch <- relatedOutcome{entries: entries, err: err}
	}()
	return ch
}

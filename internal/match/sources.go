package match

import (
	"context"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// StaticSubscriptions is a fixed, in-memory subscription table.
type StaticSubscriptions []models.SubscriptionRule

// Subscriptions implements SubscriptionSource.
func (s StaticSubscriptions) Subscriptions(ctx context.Context) ([]models.SubscriptionRule, error) {
	return append([]models.SubscriptionRule(nil), s...), nil
}

// MapResolver resolves names from fixed ID-to-name maps, falling back to the ID.
type MapResolver struct {
	Channels   map[string]string
	Categories map[string]string
}

// ResolveNames implements Resolver.
func (r MapResolver) ResolveNames(ctx context.Context, sub *models.Submission) (string, string, error) {
	archive, ok := r.Channels[sub.ArchiveChannelID]
	if !ok {
		archive = sub.ArchiveChannelID
	}
	category, ok := r.Categories[sub.CategoryID]
	if !ok {
		category = sub.CategoryID
	}
	return archive, category, nil
}

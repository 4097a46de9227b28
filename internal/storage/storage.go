// Package storage defines the persistence interface for subscriptions, submissions and
// embedding records.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// NameKind selects which directory a display name belongs to.
type NameKind string

const (
	NameArchiveChannel NameKind = "archive_channel"
	NameCategory       NameKind = "category"
)

// Storage defines persistence operations.
type Storage interface {
	// Subscription operations. Subscriptions returns rules in insertion order.
	Subscriptions(ctx context.Context) ([]models.SubscriptionRule, error)
	GetSubscription(ctx context.Context, channelID string) (*models.SubscriptionRule, error)
	PutSubscription(ctx context.Context, rule models.SubscriptionRule) error
	DeleteSubscription(ctx context.Context, channelID string) error
	AddSubscriber(ctx context.Context, channelID, userID string) error
	RemoveSubscriber(ctx context.Context, channelID, userID string) error

	// Submission operations
	PutSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	DeleteSubmission(ctx context.Context, id string) error
	ListSubmissions(ctx context.Context, offset, limit int) ([]*models.Submission, error)
	SubmissionNames(ctx context.Context, ids []string) (map[string]string, error)

	// Embedding record operations
	PutEmbedding(ctx context.Context, rec models.EmbeddingRecord) error
	GetEmbedding(ctx context.Context, id string) (*models.EmbeddingRecord, error)
	EmbeddingRecords(ctx context.Context) ([]models.EmbeddingRecord, error)

	// Display names for archive channels and categories
	SetName(ctx context.Context, kind NameKind, id, name string) error
	ResolveNames(ctx context.Context, sub *models.Submission) (archiveChannel, category string, err error)

	// Stats
	CountSubscriptions(ctx context.Context) (int64, error)
	CountSubmissions(ctx context.Context) (int64, error)
	CountEmbeddings(ctx context.Context) (int64, error)

	Close() error
}

// Package models defines core data structures for submissions, subscriptions, and match results.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/tsuuchi/pkg/utils"
)

// Submission is the raw or updated state of an archive submission.
type Submission struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Tags             []string       `json:"tags,omitempty"`
	ArchiveChannelID string         `json:"archive_channel_id,omitempty"`
	CategoryID       string         `json:"category_id,omitempty"`
	Text             string         `json:"text,omitempty"`
	Record           map[string]any `json:"record,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate checks required fields.
func (s *Submission) Validate() error {
	if s == nil {
		return fmt.Errorf("submission is nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("submission id cannot be empty")
	}
	return nil
}

// EmbeddingText returns the text used to embed the submission: name, tags and body
// with whitespace collapsed.
func (s *Submission) EmbeddingText() string {
	parts := make([]string, 0, 3)
	if s.Name != "" {
		parts = append(parts, s.Name)
	}
	if len(s.Tags) > 0 {
		parts = append(parts, strings.Join(s.Tags, " "))
	}
	if s.Text != "" {
		parts = append(parts, s.Text)
	}
	return utils.CollapseWhitespace(strings.Join(parts, "\n"))
}

// MergeRecord copies fields into the submission record. Existing keys are overwritten.
func (s *Submission) MergeRecord(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	if s.Record == nil {
		s.Record = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		s.Record[k] = v
	}
}

// SubscriptionRule is one subscriber channel and the rule deciding whether it is notified.
type SubscriptionRule struct {
	ChannelID         string   `json:"channel_id"`
	Code              string   `json:"code"`
	SubscribedUserIDs []string `json:"subscribed_user_ids"`
}

// EmbeddingRecord is a stored quantized embedding for one submission.
type EmbeddingRecord struct {
	ID        string    `json:"id"`
	Vector    []int8    `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Float32 returns the dequantized vector (component / 127).
func (r *EmbeddingRecord) Float32() []float32 {
	out := make([]float32, len(r.Vector))
	for i, v := range r.Vector {
		out[i] = float32(v) / 127
	}
	return out
}

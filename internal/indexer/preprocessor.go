package indexer

import (
	"strings"
	"unicode"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// Preprocess normalizes text for indexing (trim, collapse whitespace).
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// normalizeTags trims tags and drops empty and duplicate ones (case-insensitive),
// keeping the first spelling.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = Preprocess(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// normalizeSubmission returns a copy of sub with name, tags and text normalized.
// Text keeps its line structure; only surrounding whitespace is trimmed.
func normalizeSubmission(sub *models.Submission) *models.Submission {
	out := *sub
	out.Name = Preprocess(sub.Name)
	out.Tags = normalizeTags(sub.Tags)
	out.Text = strings.TrimSpace(sub.Text)
	return &out
}

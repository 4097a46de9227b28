// Package keyword provides keyword (BM25) indexing and search over submissions.
package keyword

import (
	"context"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// NameBoost multiplies the score contribution from matches in the submission name.
	// Values > 1 make name matches rank higher (e.g. 3.0). Use 1.0 for no boost.
	NameBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 1 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines keyword search operations over submissions.
type Index interface {
	Index(ctx context.Context, sub *models.Submission) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, id string) error
	// DocCount returns the total number of submissions in the index.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
}

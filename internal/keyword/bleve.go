package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/tsuuchi/internal/models"
)

const (
	fieldName = "name"
	fieldTags = "tags"
	fieldText = "text"

	defaultFuzziness = 1
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

var _ Index = (*BleveIndex)(nil)

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming): submission names are short and
	// stemming merges unrelated titles.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldName, textFieldMapping)
	docMapping.AddFieldMappingsAt(fieldTags, textFieldMapping)
	docMapping.AddFieldMappingsAt(fieldText, textFieldMapping)
	im.AddDocumentMapping("submission", docMapping)
	im.DefaultType = "submission"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path.
// An empty path creates an in-memory index.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create keyword index dir: %w", err)
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index indexes (or re-indexes) a submission by its ID.
func (b *BleveIndex) Index(ctx context.Context, sub *models.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	doc := map[string]interface{}{
		fieldName: sub.Name,
		fieldTags: strings.Join(sub.Tags, " "),
		fieldText: sub.Text,
	}
	if err := b.index.Index(sub.ID, doc); err != nil {
		return fmt.Errorf("failed to index submission %s: %w", sub.ID, err)
	}
	return nil
}

// Search runs a match query and returns up to limit results ordered by score.
// When opts.NameBoost > 1, separate name and body queries are merged with additive scoring.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []*Result{}, nil
	}
	nameBoost := 1.0
	fuzzy := false
	fuzziness := defaultFuzziness
	if opts != nil {
		if opts.NameBoost > 0 {
			nameBoost = opts.NameBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	if nameBoost <= 1.0 {
		hits, err := b.run(ctx, b.buildQuery(query, fuzzy, fuzziness, ""), limit)
		if err != nil {
			return nil, err
		}
		out := make([]*Result, 0, len(hits))
		for id, score := range hits {
			out = append(out, &Result{ID: id, Score: score})
		}
		return sortResults(out, limit), nil
	}
	return b.searchWithBoost(ctx, query, limit, nameBoost, fuzzy, fuzziness)
}

// searchWithBoost scores = (nameScore * nameBoost) + tagsScore + textScore.
func (b *BleveIndex) searchWithBoost(ctx context.Context, query string, limit int, nameBoost float64, fuzzy bool, fuzziness int) ([]*Result, error) {
	// Request enough from each field so the merged top "limit" is correct.
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}

	scores := make(map[string]float64)
	for _, field := range []string{fieldName, fieldTags, fieldText} {
		hits, err := b.run(ctx, b.buildQuery(query, fuzzy, fuzziness, field), reqSize)
		if err != nil {
			return nil, err
		}
		weight := 1.0
		if field == fieldName {
			weight = nameBoost
		}
		for id, score := range hits {
			scores[id] += score * weight
		}
	}

	out := make([]*Result, 0, len(scores))
	for id, score := range scores {
		out = append(out, &Result{ID: id, Score: score})
	}
	return sortResults(out, limit), nil
}

func (b *BleveIndex) run(ctx context.Context, q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	hits := make(map[string]float64, len(results.Hits))
	for _, hit := range results.Hits {
		hits[hit.ID] = hit.Score
	}
	return hits, nil
}

// buildQuery builds a match query, or a disjunction of fuzzy term queries when fuzzy is set.
// An empty field searches all fields.
func (b *BleveIndex) buildQuery(query string, fuzzy bool, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(query)
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}

	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// sortResults orders by score descending, then ID, and truncates to limit.
func sortResults(out []*Result, limit int) []*Result {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Delete removes a submission from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of submissions in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

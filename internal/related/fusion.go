package related

import (
	"sort"

	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

// Fused holds a submission ID and its fused keyword/semantic scores.
type Fused struct {
	ID            string
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.Result) map[string]float64 {
	if len(results) == 0 {
		return make(map[string]float64)
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// SemanticScores maps vector results to cosine similarity, keeping those at or above
// threshold and dropping exclude.
func SemanticScores(results []vector.Result, exclude string, threshold float64) map[string]float64 {
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		if r.ID == exclude {
			continue
		}
		if sim := r.Similarity(); sim >= threshold {
			scores[r.ID] = sim
		}
	}
	return scores
}

// Fuse scores every semantic candidate as keywordWeight*keyword + semanticWeight*semantic.
// Keyword-only hits never become candidates. Results are sorted by score, then ID.
func Fuse(keywordScores, semanticScores map[string]float64, keywordWeight, semanticWeight float64) []*Fused {
	results := make([]*Fused, 0, len(semanticScores))
	for id, sem := range semanticScores {
		kw := keywordScores[id]
		results = append(results, &Fused{
			ID:            id,
			KeywordScore:  kw,
			SemanticScore: sem,
			Score:         (keywordWeight * kw) + (semanticWeight * sem),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}

package related

import (
	"testing"

	"github.com/hyperjump/tsuuchi/internal/keyword"
	"github.com/hyperjump/tsuuchi/internal/vector"
)

func TestNormalizeKeywordScores(t *testing.T) {
	results := []*keyword.Result{
		{ID: "a", Score: 2},
		{ID: "b", Score: 4},
		{ID: "c", Score: 1},
	}
	m := NormalizeKeywordScores(results)
	if m["b"] != 1.0 {
		t.Errorf("max score should be 1.0, got %f", m["b"])
	}
	if m["a"] != 0.5 {
		t.Errorf("a should be 0.5, got %f", m["a"])
	}
	if len(m) != 3 {
		t.Errorf("expected 3 entries, got %d", len(m))
	}
	if len(NormalizeKeywordScores(nil)) != 0 {
		t.Error("nil input should give an empty map")
	}
}

func TestSemanticScores(t *testing.T) {
	results := []vector.Result{
		{ID: "self", Distance: 0},
		{ID: "close", Distance: 0.1},
		{ID: "far", Distance: 0.5},
	}
	m := SemanticScores(results, "self", 0.85)
	if len(m) != 1 {
		t.Fatalf("expected 1 entry, got %v", m)
	}
	if got := m["close"]; got < 0.89 || got > 0.91 {
		t.Errorf("close similarity = %f, want 0.9", got)
	}
}

func TestFuse(t *testing.T) {
	kw := map[string]float64{"d1": 1.0, "d2": 0.5, "kwonly": 1.0}
	sem := map[string]float64{"d1": 0.5, "d2": 1.0}
	results := Fuse(kw, sem, 0.5, 0.5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Score < results[1].Score {
		t.Error("results should be sorted by score descending")
	}
	// Equal scores are ordered by ID.
	if results[0].ID != "d1" || results[1].ID != "d2" {
		t.Errorf("order = %s, %s; want d1, d2", results[0].ID, results[1].ID)
	}
	for _, r := range results {
		if r.ID == "kwonly" {
			t.Error("keyword-only hit must not become a candidate")
		}
	}
}

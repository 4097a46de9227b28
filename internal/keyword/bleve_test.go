package keyword

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperjump/tsuuchi/internal/models"
)

func newMemIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveIndex_SearchFindsText(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	sub := &models.Submission{
		ID:   "sub-1",
		Name: "Weekly Metro Bulletin",
		Text: "This bulletin mentions Omnisyan and other findings. The Bayes app is also referenced.",
	}
	if err := idx.Index(ctx, sub); err != nil {
		t.Fatalf("Index: %v", err)
	}

	results, err := idx.Search(ctx, "Omnisyan", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].ID != "sub-1" {
		t.Fatalf("results = %v, want sub-1 first", results)
	}

	// Standard analyzer (no stemming) so "bayes" matches "Bayes".
	results, err = idx.Search(ctx, "bayes", 10, nil)
	if err != nil {
		t.Fatalf("Search bayes: %v", err)
	}
	if len(results) == 0 || results[0].ID != "sub-1" {
		t.Fatalf("results = %v, want sub-1 first", results)
	}
}

func TestBleveIndex_SearchFindsTags(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, &models.Submission{ID: "a", Name: "Night shift", Tags: []string{"poetry", "urban"}}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	results, err := idx.Search(ctx, "poetry", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("results = %v, want [a]", results)
	}
}

func TestBleveIndex_NameBoostRanksNameMatchesFirst(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	subs := []*models.Submission{
		{ID: "body", Name: "Untitled", Text: "a short story about a lighthouse keeper and the lighthouse"},
		{ID: "name", Name: "Lighthouse", Text: "a short story about the sea"},
	}
	for _, s := range subs {
		if err := idx.Index(ctx, s); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	results, err := idx.Search(ctx, "lighthouse", 10, &SearchOptions{NameBoost: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].ID != "name" {
		t.Errorf("first result = %q, want name", results[0].ID)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, &models.Submission{ID: "x", Name: "Harbour Lights"}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	exact, err := idx.Search(ctx, "harbor", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(exact) != 0 {
		t.Fatalf("exact search for a misspelling returned %v", exact)
	}

	fuzzy, err := idx.Search(ctx, "harbor", 10, &SearchOptions{FuzzyEnabled: true})
	if err != nil {
		t.Fatalf("Search fuzzy: %v", err)
	}
	if len(fuzzy) != 1 || fuzzy[0].ID != "x" {
		t.Fatalf("fuzzy results = %v, want [x]", fuzzy)
	}
}

func TestBleveIndex_EmptyQueryAndLimit(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := idx.Index(ctx, &models.Submission{ID: id, Name: "river song " + id}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	results, err := idx.Search(ctx, "   ", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("blank query returned %v", results)
	}

	results, err = idx.Search(ctx, "river", 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("len(results) = %d, want 2", len(results))
	}
}

func TestBleveIndex_IndexRejectsInvalid(t *testing.T) {
	idx := newMemIndex(t)
	if err := idx.Index(context.Background(), &models.Submission{Name: "no id"}); err == nil {
		t.Fatal("expected error for submission without id")
	}
}

func TestBleveIndex_DeleteAndReindex(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	if err := idx.Index(ctx, &models.Submission{ID: "d", Name: "Copper kettle"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Index(ctx, &models.Submission{ID: "d", Name: "Silver spoon"}); err != nil {
		t.Fatalf("re-Index: %v", err)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatalf("DocCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("DocCount = %d, want 1", n)
	}
	results, _ := idx.Search(ctx, "copper", 10, nil)
	if len(results) != 0 {
		t.Errorf("stale terms still match: %v", results)
	}

	if err := idx.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, _ = idx.DocCount()
	if n != 0 {
		t.Errorf("DocCount after delete = %d, want 0", n)
	}
}

func TestBleveIndex_ReopenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	ctx := context.Background()

	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	if err := idx.Index(ctx, &models.Submission{ID: "p", Name: "Persistent moss"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	results, err := reopened.Search(ctx, "moss", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p" {
		t.Fatalf("results = %v, want [p]", results)
	}
}

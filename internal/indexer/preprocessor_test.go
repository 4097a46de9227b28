package indexer

import (
	"reflect"
	"testing"

	"github.com/hyperjump/tsuuchi/internal/models"
)

func TestPreprocess(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  hello   world \n", "hello world"},
		{"a\t\tb\nc", "a b c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Preprocess(tt.in); got != tt.want {
			t.Errorf("Preprocess(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Poetry ", "", "poetry", "Urban  Life"})
	want := []string{"Poetry", "Urban Life"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizeTags = %v, want %v", got, want)
	}
	if normalizeTags(nil) != nil {
		t.Error("nil tags should stay nil")
	}
}

func TestNormalizeSubmission_DoesNotMutate(t *testing.T) {
	in := &models.Submission{ID: "x", Name: "  Two  Words ", Tags: []string{" a "}, Text: "\nline one\nline two\n"}
	out := normalizeSubmission(in)
	if out.Name != "Two Words" || out.Text != "line one\nline two" || out.Tags[0] != "a" {
		t.Errorf("normalized = %+v", out)
	}
	if in.Name != "  Two  Words " || in.Tags[0] != " a " {
		t.Errorf("input was mutated: %+v", in)
	}
}

package vector

import "testing"

func TestNewIndex_Types(t *testing.T) {
	for _, name := range []string{"", "hnsw", "exact"} {
		ix, err := NewIndex(name, 3)
		if err != nil {
			t.Fatalf("NewIndex(%q): %v", name, err)
		}
		if ix.Size() != 0 || ix.Dimension() != 3 || ix.Metric() != MetricCosine {
			t.Errorf("NewIndex(%q) = size %d dim %d metric %s", name, ix.Size(), ix.Dimension(), ix.Metric())
		}
	}
	ix, _ := NewIndex("exact", 3)
	if ix.Type() != IndexTypeExact {
		t.Errorf("Type = %s, want exact", ix.Type())
	}
}

func TestNewIndex_Unknown(t *testing.T) {
	if _, err := NewIndex("faiss", 3); err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNewIndex_InvalidDimension(t *testing.T) {
	if _, err := NewIndex("hnsw", 0); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestNew_EmptyIndexTypeSelectsHNSW(t *testing.T) {
	ix, err := New(3, WithIndexType(""))
	if err != nil {
		t.Fatal(err)
	}
	if ix.Type() != IndexTypeHNSW {
		t.Errorf("Type = %q, want %q", ix.Type(), IndexTypeHNSW)
	}
}

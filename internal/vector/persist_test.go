package vector

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestPersistLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indices", "vectors.idx")
	ix := mustNew(t, 3)
	_ = ix.AddPoints([]string{"a", "b", "ünï"}, [][]float32{{1, 0, 0}, {0, 1, 0}, {0.5, 0.5, 0.25}})
	if err := ix.Persist(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Dimension() != 3 || loaded.Size() != 3 {
		t.Fatalf("loaded dim=%d size=%d", loaded.Dimension(), loaded.Size())
	}
	got := loaded.Records()
	want := ix.Records()
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("record %d id = %q, want %q", i, got[i].ID, want[i].ID)
		}
		for j := range want[i].Vector {
			if got[i].Vector[j] != want[i].Vector[j] {
				t.Errorf("record %d vector differs: %v vs %v", i, got[i].Vector, want[i].Vector)
				break
			}
		}
	}
	results, _ := loaded.Query(context.Background(), []float32{0, 1, 0}, 1)
	if results[0].ID != "b" {
		t.Errorf("top = %s, want b", results[0].ID)
	}
}

func TestPersistEmptyIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.idx")
	if err := mustNew(t, 5).Persist(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 0 || loaded.Dimension() != 5 {
		t.Errorf("loaded size=%d dim=%d", loaded.Size(), loaded.Dimension())
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.idx"))
	var unavailable *IndexUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want IndexUnavailableError", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err should wrap fs.ErrNotExist: %v", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v.idx")
	ix := mustNew(t, 2)
	_ = ix.AddPoints([]string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	if err := ix.Persist(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"flipped byte": func() []byte {
			b := append([]byte(nil), data...)
			b[20] ^= 0xFF
			return b
		}(),
		"truncated": data[:len(data)-7],
		"garbage":   []byte("not an index at all, definitely not"),
		"empty":     {},
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name+".idx")
			if err := os.WriteFile(p, content, 0600); err != nil {
				t.Fatal(err)
			}
			loaded, err := Load(p)
			var unavailable *IndexUnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("err = %v, want IndexUnavailableError", err)
			}
			if loaded != nil {
				t.Error("corrupt load must not return an index")
			}
		})
	}
}

func TestPersist_EmptyPath(t *testing.T) {
	var unavailable *IndexUnavailableError
	if err := mustNew(t, 2).Persist(""); !errors.As(err, &unavailable) {
		t.Errorf("err = %v, want IndexUnavailableError", err)
	}
}

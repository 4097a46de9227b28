package vector

import "fmt"

// IndexType represents the search strategy of the index.
type IndexType string

const (
	// IndexTypeHNSW uses an HNSW graph once the population reaches the minimum graph size.
	IndexTypeHNSW IndexType = "hnsw"
	// IndexTypeExact always uses brute-force cosine search.
	IndexTypeExact IndexType = "exact"
)

// ParseIndexType validates an index type name. Empty selects hnsw.
func ParseIndexType(s string) (IndexType, error) {
	switch IndexType(s) {
	case IndexTypeHNSW, "":
		return IndexTypeHNSW, nil
	case IndexTypeExact:
		return IndexTypeExact, nil
	default:
		return "", fmt.Errorf("unknown index type: %s (supported: hnsw, exact)", s)
	}
}

// NewIndex creates an index of the named type.
func NewIndex(indexType string, dimensions int, opts ...Option) (*Index, error) {
	t, err := ParseIndexType(indexType)
	if err != nil {
		return nil, err
	}
	return New(dimensions, append([]Option{WithIndexType(t)}, opts...)...)
}

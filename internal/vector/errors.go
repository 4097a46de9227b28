package vector

import (
	"errors"
	"fmt"
)

// ErrEmptyID is returned when a point is added without an identifier.
var ErrEmptyID = errors.New("vector id must not be empty")

// DimensionMismatchError reports a vector whose length differs from the index dimension.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Expected)
}

// IndexUnavailableError reports a failure to persist or load an index.
// The index does not repair itself; callers rebuild from stored embedding records.
type IndexUnavailableError struct {
	Op   string
	Path string
	Err  error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("vector index %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IndexUnavailableError) Unwrap() error { return e.Err }

func checkDim(expected int, v []float32) error {
	if len(v) != expected {
		return &DimensionMismatchError{Expected: expected, Got: len(v)}
	}
	return nil
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// maxSubmissionFileSize bounds submission files read from disk.
const maxSubmissionFileSize = 16 << 20

// DecodeSubmission reads one JSON submission from r. Unknown fields are rejected.
func DecodeSubmission(r io.Reader) (*models.Submission, error) {
	dec := json.NewDecoder(io.LimitReader(r, maxSubmissionFileSize))
	dec.DisallowUnknownFields()
	var sub models.Submission
	if err := dec.Decode(&sub); err != nil {
		return nil, fmt.Errorf("decoding submission: %w", err)
	}
	return &sub, nil
}

// SubmissionIDForPath returns the submission ID implied by a file name: the base name
// without its extension.
func SubmissionIDForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadSubmissionFile reads a JSON submission file. A submission without an ID takes
// the ID implied by the file name.
func ReadSubmissionFile(path string) (*models.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sub, err := DecodeSubmission(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sub.ID == "" {
		sub.ID = SubmissionIDForPath(path)
	}
	return sub, nil
}

package embedding

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/hyperjump/tsuuchi/pkg/utils"
)

var (
	// ErrCountMismatch is returned when the endpoint answers with a different number of
	// vectors than texts sent. Vectors are matched to texts by position only, so the
	// whole batch is rejected.
	ErrCountMismatch = errors.New("embedding count mismatch")
	// ErrDimension is returned when a decoded vector has the wrong length.
	ErrDimension = errors.New("embedding dimension mismatch")
)

// Quantize maps components in [-1, 1] to signed bytes, clamping values outside the range.
func Quantize(v []float32) []int8 {
	out := make([]int8, len(v))
	for i, x := range v {
		out[i] = int8(utils.ClampInt(int(math.Round(float64(x)*127)), -127, 127))
	}
	return out
}

// Dequantize maps signed bytes back to [-1, 1].
func Dequantize(v []int8) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x) / 127
	}
	return out
}

// EncodeVector returns the wire form of a quantized vector.
func EncodeVector(v []int8) string {
	b := make([]byte, len(v))
	for i, x := range v {
		b[i] = byte(x)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeVector parses the wire form of a quantized vector. dim <= 0 skips the length check.
func DecodeVector(s string, dim int) ([]int8, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if dim > 0 && len(b) != dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(b), dim)
	}
	out := make([]int8, len(b))
	for i, x := range b {
		out[i] = int8(x)
	}
	return out, nil
}

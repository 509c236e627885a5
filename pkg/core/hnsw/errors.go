package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimension is returned by New when the vector dimensionality
	// is not positive.
	ErrInvalidDimension = errors.New("hnsw: dimension must be positive")

	// ErrInvalidQuantization is returned by New when the quantization type
	// is not one of the supported encodings.
	ErrInvalidQuantization = errors.New("hnsw: unsupported quantization type")

	// ErrCorrupt is returned when serialized data fails a structural bounds
	// check or the link integrity verification.
	ErrCorrupt = errors.New("hnsw: corrupted serialized data")
)

// DimensionMismatchError is returned when a vector of the wrong
// dimensionality is passed to an index operation.
type DimensionMismatchError struct {
	Got, Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("hnsw: vector dimension %d does not match index dimension %d", e.Got, e.Want)
}

package rag

import (
	"errors"
	"fmt"
)

// ErrEmptyInput rejects embedding of empty or whitespace-only text.
// Callers decide whether it is fatal; the pipeline treats a lesson with no
// text as a successful no-op instead.
var ErrEmptyInput = errors.New("rag: empty input text")

// DimensionMismatchError reports a vector whose length does not match the
// configured model dimensionality. It fires both when a provider returns a
// wrong-size vector and when a caller tries to persist or compare one.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("rag: embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

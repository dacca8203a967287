// Package embedding wraps an embedding backend with the guarantees the vector
// index relies on: fixed dimension, unit length, bounded input and timeout.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newslens/internal/failure"
	"newslens/internal/llm"
	"newslens/internal/news"
	"newslens/internal/vector"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrZeroVector        = errors.New("embedding is a zero vector")
	ErrEmptyInput        = errors.New("nothing to embed")
)

type Embedder struct {
	backend   llm.Embedder
	dimension int
	maxChars  int
	timeout   time.Duration
}

func New(backend llm.Embedder, dimension, maxChars int, timeout time.Duration) *Embedder {
	return &Embedder{backend: backend, dimension: dimension, maxChars: maxChars, timeout: timeout}
}

func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed returns the L2-normalized embedding of text. Every failure is an embedding error.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = news.Truncate(text, e.maxChars)
	if text == "" {
		return nil, failure.Embedding("embed", ErrEmptyInput)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vec, err := e.backend.Embed(ctx, text)
	if err != nil {
		return nil, failure.Embedding("embed", err)
	}
	if len(vec) != e.dimension {
		return nil, failure.Embedding("embed", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.dimension))
	}

	normalized, ok := vector.Normalize(vec)
	if !ok {
		return nil, failure.Embedding("embed", ErrZeroVector)
	}
	return normalized, nil
}

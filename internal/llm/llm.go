// Package llm holds the provider-neutral contract for text generation and embedding backends.
package llm

import "context"

// Options are sampling options understood by every generation backend.
type Options struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	// JSON asks the backend to constrain output to a JSON document.
	JSON bool `json:"-"`
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

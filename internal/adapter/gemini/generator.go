package gemini

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"newslens/internal/llm"
)

var ErrNoCandidates = errors.New("gemini returned no candidates")

// Generator produces text completions with a Gemini model. It accepts the same
// sampling options as the Ollama client so the analyzer can use either.
type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Generator, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Generator{client: client, model: model}, nil
}

func (g *Generator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(opts.Temperature)
	if opts.TopP > 0 {
		m.SetTopP(opts.TopP)
	}
	if opts.NumPredict > 0 {
		m.SetMaxOutputTokens(int32(opts.NumPredict))
	}
	if opts.JSON {
		m.ResponseMIMEType = "application/json"
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		slog.ErrorContext(ctx, "gemini generate failed", "model", g.model, "error", err)
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoCandidates
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrNoCandidates
	}
	return b.String(), nil
}

func (g *Generator) Close() error {
	return g.client.Close()
}

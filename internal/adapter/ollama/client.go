// Package ollama talks to a local Ollama runtime over its native HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"newslens/internal/llm"
)

var ErrEmptyResponse = errors.New("ollama returned no output")

type Client struct {
	baseURL    string
	model      string
	embedModel string
	client     *http.Client
}

func NewClient(baseURL, model, embedModel string, timeout time.Duration) *Client {
	host := strings.TrimSuffix(baseURL, "/")
	host = strings.TrimSuffix(host, "/api")
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    host,
		model:      model,
		embedModel: embedModel,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Format  string      `json:"format,omitempty"`
	Options llm.Options `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a single non-streaming completion and returns the generated text.
func (c *Client) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	reqBody := generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	}
	if opts.JSON {
		reqBody.Format = "json"
	}

	var result generateResponse
	start := time.Now()
	if err := c.post(ctx, "/api/generate", reqBody, &result); err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "ollama generate finished", "model", c.model, "duration", time.Since(start), "chars", len(result.Response))

	if strings.TrimSpace(result.Response) == "" {
		return "", ErrEmptyResponse
	}
	return result.Response, nil
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model": c.embedModel,
		"input": text,
	}

	var result embedResponse
	if err := c.post(ctx, "/api/embed", reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("no embeddings in response: %w", ErrEmptyResponse)
	}

	vec := make([]float32, len(result.Embeddings[0]))
	for i, v := range result.Embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama api error (status %d): %s", e.Code, e.Body)
}

// Package reranker reorders search hits with a hosted cross-encoder (Jina or Cohere).
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var endpoints = map[string]string{
	"jina":   "https://api.jina.ai/v1/rerank",
	"cohere": "https://api.cohere.ai/v1/rerank",
}

type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Rerank returns document indices ordered by relevance to query. Unknown
// providers keep the input order.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	switch c.provider {
	case "jina":
		return c.rerank(ctx, map[string]interface{}{
			"model":     "jina-reranker-v1-base-en",
			"query":     query,
			"documents": docs,
		}, len(docs))
	case "cohere":
		return c.rerank(ctx, map[string]interface{}{
			"model":            "rerank-english-v3.0",
			"query":            query,
			"documents":        docs,
			"top_n":            len(docs),
			"return_documents": false,
		}, len(docs))
	}
	return identity(len(docs)), nil
}

func (c *Client) rerank(ctx context.Context, reqBody map[string]interface{}, n int) ([]int, error) {
	url := endpoints[c.provider]
	if c.baseURL != "" {
		url = c.baseURL
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s api error: %d: %s", c.provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	indices := make([]int, 0, n)
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < n {
			indices = append(indices, r.Index)
		}
	}
	return indices, nil
}

func identity(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

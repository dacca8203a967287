// Package client is a typed HTTP client for the newslens API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"newslens/internal/ingest"
	"newslens/internal/news"
	"newslens/internal/worker"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status        int
	Code          string
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (status %d, %s): %s [correlation id %s]", e.Status, e.Code, e.Message, e.CorrelationID)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type AsyncResult struct {
	Accepted []string           `json:"accepted"`
	Rejected []worker.Rejection `json:"rejected"`
}

// Store runs the full pipeline synchronously for urls.
func (c *Client) Store(ctx context.Context, urls []string) (*ingest.BatchResult, error) {
	var out struct {
		Data ingest.BatchResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/store", map[string][]string{"urls": urls}, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// StoreAsync enqueues urls for the ingestion worker.
func (c *Client) StoreAsync(ctx context.Context, urls []string) (*AsyncResult, error) {
	var out struct {
		Data AsyncResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/store/async", map[string][]string{"urls": urls}, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) Search(ctx context.Context, query string, enhance bool, limit int) ([]news.ScoredArticle, error) {
	body := map[string]interface{}{"query": query, "enhance": enhance}
	if limit > 0 {
		body["limit"] = limit
	}
	var out struct {
		Data []news.ScoredArticle `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/search", body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Similar(ctx context.Context, articleID string, limit int) ([]news.ScoredArticle, error) {
	var out struct {
		Data []news.ScoredArticle `json:"data"`
	}
	path := "/articles/similar/" + url.PathEscape(articleID) + limitQuery(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Topics(ctx context.Context, query string) ([]string, error) {
	var out struct {
		Data []string `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) ByTopic(ctx context.Context, topic string, limit int) ([]news.Article, error) {
	var out struct {
		Data []news.Article `json:"data"`
	}
	path := "/articles/by-topic/" + url.PathEscape(topic) + limitQuery(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		CorrelationID string `json:"correlationId"`
	}
	if json.Unmarshal(raw, &envelope) != nil || envelope.Error.Message == "" {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{
		Status:        resp.StatusCode,
		Code:          envelope.Error.Code,
		Message:       envelope.Error.Message,
		CorrelationID: envelope.CorrelationID,
	}
}

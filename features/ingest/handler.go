// Package ingest exposes the extract, analyze and store operations over HTTP.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	pipeline "newslens/internal/ingest"
	"newslens/internal/middleware"
	"newslens/internal/worker"
)

type Runner interface {
	Extract(ctx context.Context, urls []string) pipeline.BatchResult
	Analyze(ctx context.Context, urls []string) pipeline.BatchResult
	Store(ctx context.Context, urls []string) pipeline.BatchResult
}

type Handler struct {
	runner  Runner
	pub     worker.Publisher
	maxURLs int
}

// NewHandler builds the ingestion handlers. pub may be nil, which disables
// the async store route.
func NewHandler(r Runner, pub worker.Publisher, maxURLs int) *Handler {
	return &Handler{runner: r, pub: pub, maxURLs: maxURLs}
}

type Request struct {
	URLs []string `json:"urls"`
}

func (h *Handler) Extract(w http.ResponseWriter, r *http.Request) {
	urls, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.writeArticles(r.Context(), w, h.runner.Extract(r.Context(), urls))
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	urls, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.writeArticles(r.Context(), w, h.runner.Analyze(r.Context(), urls))
}

// Store runs the full pipeline. Per-URL failures are reported in the body; the
// response is 200 even when every URL failed.
func (h *Handler) Store(w http.ResponseWriter, r *http.Request) {
	urls, ok := h.decode(w, r)
	if !ok {
		return
	}
	res := h.runner.Store(r.Context(), urls)
	h.writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"data": res,
		"meta": map[string]int{"count": len(res.Stored)},
	})
}

func (h *Handler) StoreAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pub == nil {
		h.writeError(ctx, w, "UNAVAILABLE", "async ingestion is disabled", http.StatusServiceUnavailable)
		return
	}
	urls, ok := h.decode(w, r)
	if !ok {
		return
	}

	accepted, rejected := worker.Enqueue(h.pub, urls, middleware.GetCorrelationID(ctx))
	slog.InfoContext(ctx, "urls enqueued", "accepted", len(accepted), "rejected", len(rejected))
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"accepted": accepted,
			"rejected": rejected,
		},
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid JSON", http.StatusBadRequest)
		return nil, false
	}

	urls := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "urls is required", http.StatusBadRequest)
		return nil, false
	}
	if h.maxURLs > 0 && len(urls) > h.maxURLs {
		h.writeError(ctx, w, "VALIDATION_ERROR", fmt.Sprintf("at most %d urls per request", h.maxURLs), http.StatusBadRequest)
		return nil, false
	}
	return urls, true
}

func (h *Handler) writeArticles(ctx context.Context, w http.ResponseWriter, res pipeline.BatchResult) {
	articles := res.Articles()
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data":    articles,
		"failed":  res.Failed,
		"partial": res.Partial(),
		"meta":    map[string]int{"count": len(articles)},
	})
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}

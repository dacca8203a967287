// Package search serves semantic search, similar-article and topic lookups.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"newslens/features/article"
	"newslens/internal/failure"
	"newslens/internal/middleware"
	"newslens/internal/news"
)

type Searcher interface {
	Search(ctx context.Context, query string, enhance bool, limit int) ([]news.ScoredArticle, error)
	FindSimilar(ctx context.Context, articleID string, limit int) ([]news.ScoredArticle, error)
	TopicsMatching(ctx context.Context, query string) ([]string, error)
}

type Handler struct {
	svc Searcher
}

func NewHandler(svc Searcher) *Handler {
	return &Handler{svc: svc}
}

type Request struct {
	Query   string `json:"query"`
	Enhance *bool  `json:"enhance,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Limit < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "limit must be positive", http.StatusBadRequest)
		return
	}

	enhance := true
	if req.Enhance != nil {
		enhance = *req.Enhance
	}

	results, err := h.svc.Search(ctx, req.Query, enhance, req.Limit)
	if err != nil {
		h.handleError(ctx, w, "search", err)
		return
	}
	h.writeResults(ctx, w, results)
}

// Similar serves GET /articles/similar/{id}.
func (h *Handler) Similar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := article.ParseLimit(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.svc.FindSimilar(ctx, r.PathValue("id"), limit)
	if err != nil {
		h.handleError(ctx, w, "find similar", err)
		return
	}
	h.writeResults(ctx, w, results)
}

// Topics serves GET /topics?q=.
func (h *Handler) Topics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	topics, err := h.svc.TopicsMatching(ctx, r.URL.Query().Get("q"))
	if err != nil {
		h.handleError(ctx, w, "topics", err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": topics,
		"meta": map[string]int{"count": len(topics)},
	})
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch failure.KindOf(err) {
	case failure.KindInvalid:
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case failure.KindNotFound:
		h.writeError(ctx, w, "NOT_FOUND", err.Error(), http.StatusNotFound)
	case failure.KindEmbedding:
		slog.WarnContext(ctx, op+" failed", "error", err)
		h.writeError(ctx, w, "EMBEDDING_UNAVAILABLE", "embedding backend unavailable", http.StatusServiceUnavailable)
	default:
		slog.ErrorContext(ctx, op+" failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeResults(ctx context.Context, w http.ResponseWriter, results []news.ScoredArticle) {
	if results == nil {
		results = []news.ScoredArticle{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
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

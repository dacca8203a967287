package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"newslens/internal/middleware"
)

type ArticleRepo interface {
	Count(ctx context.Context) (int, error)
	CountTopics(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorIndex interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	articleRepo ArticleRepo
	jobRepo     JobRepo
	index       VectorIndex
}

func NewHandler(a ArticleRepo, j JobRepo, v VectorIndex) *Handler {
	return &Handler{articleRepo: a, jobRepo: j, index: v}
}

type StatsResponse struct {
	Articles   int `json:"articles"`
	Topics     int `json:"topics"`
	Indexed    int `json:"indexed"`
	FailedJobs int `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		resp StatsResponse
		err  error
	)
	if resp.Articles, err = h.articleRepo.Count(ctx); err != nil {
		h.fail(ctx, w, "articles", err)
		return
	}
	if resp.Topics, err = h.articleRepo.CountTopics(ctx); err != nil {
		h.fail(ctx, w, "topics", err)
		return
	}
	if resp.Indexed, err = h.index.Count(ctx); err != nil {
		h.fail(ctx, w, "indexed articles", err)
		return
	}
	if resp.FailedJobs, err = h.jobRepo.Count(ctx); err != nil {
		h.fail(ctx, w, "failed jobs", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, what string, err error) {
	slog.ErrorContext(ctx, "failed to count "+what, "error", err)
	h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count "+what, http.StatusInternalServerError)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

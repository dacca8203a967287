package article

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"newslens/internal/failure"
	"newslens/internal/middleware"
	"newslens/internal/news"
)

const (
	defaultTopicLimit = 20
	maxLimit          = 100
)

// Reader is the read side of the metadata store used by the HTTP handlers.
type Reader interface {
	GetArticle(ctx context.Context, id string) (*news.Article, error)
	GetArticlesByTopic(ctx context.Context, name string, limit int) ([]news.Article, error)
	SearchByIDs(ctx context.Context, ids []string) ([]news.Article, error)
}

type Handler struct {
	repo Reader
}

func NewHandler(repo Reader) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	a, err := h.repo.GetArticle(ctx, id)
	if err != nil {
		h.handleError(ctx, w, "get article", err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": a})
}

// ByIDs serves GET /articles?ids=a,b in the requested order.
func (h *Handler) ByIDs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ids []string
	for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "ids is required", http.StatusBadRequest)
		return
	}

	articles, err := h.repo.SearchByIDs(ctx, ids)
	if err != nil {
		h.handleError(ctx, w, "articles by ids", err)
		return
	}
	h.writeList(ctx, w, articles)
}

func (h *Handler) ByTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic := strings.TrimSpace(r.PathValue("topic"))
	if topic == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "topic is required", http.StatusBadRequest)
		return
	}

	limit, err := ParseLimit(r.URL.Query().Get("limit"), defaultTopicLimit)
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	articles, err := h.repo.GetArticlesByTopic(ctx, topic, limit)
	if err != nil {
		h.handleError(ctx, w, "articles by topic", err)
		return
	}
	h.writeList(ctx, w, articles)
}

// ParseLimit reads an optional positive limit, applying def when absent and
// capping at 100.
func ParseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, failure.Invalid("limit", strconv.ErrSyntax)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch failure.KindOf(err) {
	case failure.KindNotFound:
		h.writeError(ctx, w, "NOT_FOUND", err.Error(), http.StatusNotFound)
	case failure.KindInvalid:
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	default:
		slog.ErrorContext(ctx, op+" failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeList(ctx context.Context, w http.ResponseWriter, articles []news.Article) {
	if articles == nil {
		articles = []news.Article{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": articles,
		"meta": map[string]int{"count": len(articles)},
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

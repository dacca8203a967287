// Package retrieval answers semantic search, similar-article and topic
// queries against the vector index.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"newslens/internal/failure"
	"newslens/internal/middleware"
	"newslens/internal/news"
	"newslens/internal/observability"
	"newslens/internal/settings"
	"newslens/internal/vector"
)

var ErrEmptyQuery = errors.New("query is empty")

const (
	MaxLimit = 100

	topicsLimit       = 10
	minKeywordTermLen = 4
)

type Enhancer interface {
	EnhanceQuery(ctx context.Context, query string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ArticleStore is the metadata side used for topic matching and keyword fill-in.
type ArticleStore interface {
	MatchTopics(ctx context.Context, query string, limit int) ([]news.Topic, error)
	KeywordSearch(ctx context.Context, terms []string, limit int) ([]string, error)
	SearchByIDs(ctx context.Context, ids []string) ([]news.Article, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

type SettingsProvider interface {
	Effective(ctx context.Context) *settings.Settings
}

type Service struct {
	enhancer Enhancer
	embedder Embedder
	index    vector.Index
	articles ArticleStore
	reranker Reranker
	settings SettingsProvider
	logger   *QueryLogger
}

func NewService(enh Enhancer, e Embedder, idx vector.Index, articles ArticleStore, r Reranker, set SettingsProvider, l *QueryLogger) *Service {
	return &Service{enhancer: enh, embedder: e, index: idx, articles: articles, reranker: r, settings: set, logger: l}
}

// Search embeds query, optionally after enhancing it, and returns the nearest
// articles with their similarity score. Enhancement failures fall back to the
// original query.
func (s *Service) Search(ctx context.Context, query string, enhance bool, limit int) ([]news.ScoredArticle, error) {
	ctx, span := observability.StartSearchSpan(ctx, "query")
	defer span.End()

	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, failure.Invalid("search", ErrEmptyQuery)
	}

	cfg := s.effectiveSettings(ctx)
	limit = clampLimit(limit, cfg.SearchTopK)

	text := query
	var enhanced string
	if enhance && s.enhancer != nil {
		out, err := s.enhancer.EnhanceQuery(ctx, query)
		if err != nil {
			slog.WarnContext(ctx, "query enhancement failed, using original query", "error", err)
		} else {
			enhanced = out
			text = out
		}
	}

	matches, err := s.nearest(ctx, text, limit)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	results := make([]news.ScoredArticle, 0, len(matches))
	for _, m := range matches {
		if cfg.ScoreThreshold > 0 && m.Score < cfg.ScoreThreshold {
			continue
		}
		results = append(results, m.Scored())
	}

	var fallback bool
	if cfg.KeywordFallback && len(results) < limit {
		before := len(results)
		results = s.fillFromKeywords(ctx, query, results, limit)
		fallback = len(results) > before
	}

	results = s.rerank(ctx, query, results)

	s.log(ctx, QueryLogEntry{
		Operation:       "search",
		Query:           query,
		EnhancedQuery:   enhanced,
		KeywordFallback: fallback,
		NumResults:      len(results),
		Duration:        time.Since(start),
	})
	return results, nil
}

// FindSimilar returns the nearest neighbours of a stored article, excluding
// the article itself. It fails with NotFound when the article has no vector.
func (s *Service) FindSimilar(ctx context.Context, articleID string, limit int) ([]news.ScoredArticle, error) {
	ctx, span := observability.StartSearchSpan(ctx, "similar")
	defer span.End()

	start := time.Now()
	limit = clampLimit(limit, s.effectiveSettings(ctx).SearchTopK)

	if _, err := uuid.Parse(articleID); err != nil {
		return nil, failure.NotFound("article "+articleID, nil)
	}

	vec, err := s.index.Vector(ctx, articleID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, asKind(err, failure.KindStore, "similar lookup")
	}

	matches, err := s.index.Query(ctx, vec, limit+1)
	if err != nil {
		observability.RecordError(span, err)
		return nil, asKind(err, failure.KindStore, "similar query")
	}

	results := make([]news.ScoredArticle, 0, limit)
	for _, m := range matches {
		if m.ArticleID == articleID {
			continue
		}
		results = append(results, m.Scored())
		if len(results) == limit {
			break
		}
	}

	s.log(ctx, QueryLogEntry{Operation: "similar", Query: articleID, NumResults: len(results), Duration: time.Since(start)})
	return results, nil
}

// TopicsMatching returns topic labels whose normalized name contains the
// query. With no such topic it falls back to the topics occurring most often
// among the articles nearest to the query.
func (s *Service) TopicsMatching(ctx context.Context, query string) ([]string, error) {
	ctx, span := observability.StartSearchSpan(ctx, "topics")
	defer span.End()

	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, failure.Invalid("topics", ErrEmptyQuery)
	}

	topics, err := s.articles.MatchTopics(ctx, query, topicsLimit)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	var labels []string
	if len(topics) > 0 {
		labels = make([]string, 0, len(topics))
		for _, t := range topics {
			labels = append(labels, t.Label)
		}
	} else {
		matches, err := s.nearest(ctx, query, topicsLimit)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		labels = topicFrequency(matches, topicsLimit)
	}

	s.log(ctx, QueryLogEntry{Operation: "topics", Query: query, NumResults: len(labels), Duration: time.Since(start)})
	return labels, nil
}

func (s *Service) nearest(ctx context.Context, text string, limit int) ([]vector.Match, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, asKind(err, failure.KindEmbedding, "embed query")
	}
	matches, err := s.index.Query(ctx, vec, limit)
	if err != nil {
		return nil, asKind(err, failure.KindStore, "vector query")
	}
	return matches, nil
}

func (s *Service) fillFromKeywords(ctx context.Context, query string, results []news.ScoredArticle, limit int) []news.ScoredArticle {
	terms := keywordTerms(query)
	if len(terms) == 0 || s.articles == nil {
		return results
	}

	ids, err := s.articles.KeywordSearch(ctx, terms, limit)
	if err != nil {
		slog.WarnContext(ctx, "keyword fallback failed", "error", err)
		return results
	}

	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if seen[id] || !s.embedded(ctx, id) {
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return results
	}

	articles, err := s.articles.SearchByIDs(ctx, missing)
	if err != nil {
		slog.WarnContext(ctx, "keyword fallback failed", "error", err)
		return results
	}
	for _, a := range articles {
		if len(results) >= limit {
			break
		}
		results = append(results, a.Scored(0))
	}
	return results
}

// embedded reports whether the article has a vector record. Keyword matches
// without one stay out of search results until they are re-ingested.
func (s *Service) embedded(ctx context.Context, id string) bool {
	if _, err := s.index.Vector(ctx, id); err != nil {
		if !failure.Is(err, failure.KindNotFound) {
			slog.WarnContext(ctx, "vector lookup failed during keyword fallback", "article_id", id, "error", err)
		}
		return false
	}
	return true
}

// rerank reorders results with the configured reranker. Any failure keeps
// the vector order.
func (s *Service) rerank(ctx context.Context, query string, results []news.ScoredArticle) []news.ScoredArticle {
	if s.reranker == nil || len(results) < 2 {
		return results
	}

	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Title + "\n" + r.Summary
	}

	indices, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, keeping vector order", "error", err)
		return results
	}

	used := make([]bool, len(results))
	reranked := make([]news.ScoredArticle, 0, len(results))
	for _, idx := range indices {
		if idx < 0 || idx >= len(results) || used[idx] {
			continue
		}
		used[idx] = true
		reranked = append(reranked, results[idx])
	}
	for i, r := range results {
		if !used[i] {
			reranked = append(reranked, r)
		}
	}
	return reranked
}

func (s *Service) effectiveSettings(ctx context.Context) *settings.Settings {
	if s.settings == nil {
		return settings.Defaults()
	}
	return s.settings.Effective(ctx)
}

func (s *Service) log(ctx context.Context, entry QueryLogEntry) {
	if s.logger == nil {
		return
	}
	entry.CorrelationID = middleware.GetCorrelationID(ctx)
	s.logger.Log(entry)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if limit <= 0 {
		limit = settings.Defaults().SearchTopK
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// topicFrequency counts topics over matches by normalized name and returns
// the most frequent labels, ties broken by name.
func topicFrequency(matches []vector.Match, max int) []string {
	type entry struct {
		name  string
		label string
		count int
	}
	counts := make(map[string]*entry)
	for _, m := range matches {
		for _, label := range m.Topics {
			name := news.NormalizeTopic(label)
			if name == "" {
				continue
			}
			e, found := counts[name]
			if !found {
				e = &entry{name: name, label: label}
				counts[name] = e
			}
			e.count++
		}
	}

	entries := make([]*entry, 0, len(counts))
	for _, e := range counts {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	labels := make([]string, 0, max)
	for _, e := range entries {
		if len(labels) == max {
			break
		}
		labels = append(labels, e.label)
	}
	return labels
}

func keywordTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len([]rune(w)) < minKeywordTermLen || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// asKind keeps err's kind when it has one and otherwise wraps it as kind.
func asKind(err error, kind failure.Kind, op string) error {
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.New(kind, op, err)
}

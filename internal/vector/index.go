// Package vector defines the embedding index contract shared by all backends,
// plus the Weaviate schema management and an in-memory index.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newslens/internal/news"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one embedding plus the article fields needed to render a search hit.
type Record struct {
	ArticleID   string
	Vector      []float32
	URL         string
	Title       string
	Summary     string
	Source      string
	Topics      []string
	PublishedAt *time.Time
	UpdatedAt   time.Time
}

type Match struct {
	Record
	Score float32
}

// Index is implemented by every vector backend. Scores are cosine similarities.
type Index interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	// Query returns up to limit nearest records ordered by descending score.
	Query(ctx context.Context, vec []float32, limit int) ([]Match, error)
	// Vector returns the stored vector for an article or a not-found failure.
	Vector(ctx context.Context, articleID string) ([]float32, error)
	// Dimension reports the configured vector size, or the size of stored
	// vectors for backends without a declared size. 0 means unknown.
	Dimension(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// RecordFromArticle builds the denormalized record for an article.
func RecordFromArticle(a *news.Article, vec []float32) Record {
	topics := a.Topics
	if topics == nil {
		topics = []string{}
	}
	return Record{
		ArticleID:   a.ID,
		Vector:      vec,
		URL:         a.URL,
		Title:       a.Title,
		Summary:     a.Summary,
		Source:      a.Source,
		Topics:      topics,
		PublishedAt: a.PublishedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func (m Match) Scored() news.ScoredArticle {
	topics := m.Topics
	if topics == nil {
		topics = []string{}
	}
	return news.ScoredArticle{
		ID:          m.ArticleID,
		URL:         m.URL,
		Title:       m.Title,
		Summary:     m.Summary,
		Source:      m.Source,
		Topics:      topics,
		PublishedAt: m.PublishedAt,
		Score:       m.Score,
	}
}

// CheckDimension fails when the index is sized for a different dimension.
func CheckDimension(ctx context.Context, idx Index, want int) error {
	got, err := idx.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("read index dimension: %w", err)
	}
	if got != 0 && got != want {
		return fmt.Errorf("%w: index holds %d-dimensional vectors, embedder is configured for %d", ErrDimensionMismatch, got, want)
	}
	return nil
}

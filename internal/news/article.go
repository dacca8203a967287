package news

import (
	"time"
)

type Article struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Source      string     `json:"source"`
	Topics      []string   `json:"topics"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`

	// Body is the extracted text. It is returned by extract/analyze but never persisted.
	Body string `json:"text,omitempty"`
}

type Topic struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

type Analysis struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// ScoredArticle is the denormalized view returned by search paths.
type ScoredArticle struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Source      string     `json:"source"`
	Topics      []string   `json:"topics"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Score       float32    `json:"score"`
}

// Scored converts a stored article into a search result with the given score.
func (a Article) Scored(score float32) ScoredArticle {
	topics := a.Topics
	if topics == nil {
		topics = []string{}
	}
	return ScoredArticle{
		ID:          a.ID,
		URL:         a.URL,
		Title:       a.Title,
		Summary:     a.Summary,
		Source:      a.Source,
		Topics:      topics,
		PublishedAt: a.PublishedAt,
		Score:       score,
	}
}

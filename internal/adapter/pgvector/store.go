// Package pgvector stores article vectors in Postgres using the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"newslens/internal/failure"
	"newslens/internal/vector"
)

type Store struct {
	db        *sql.DB
	dimension int
}

// Open connects through the pgx driver. The caller owns the returned store and must Close it.
func Open(ctx context.Context, dsn string, dimension int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, dimension), nil
}

func New(db *sql.DB, dimension int) *Store {
	return &Store{db: db, dimension: dimension}
}

// EnsureSchema creates the extension, the embeddings table sized to the
// configured dimension, and an HNSW cosine index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS article_embeddings (
			article_id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			topics JSONB NOT NULL DEFAULT '[]',
			published_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_article_embeddings_embedding ON article_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pgvector schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, rec vector.Record) error {
	topics := rec.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO article_embeddings (article_id, embedding, url, title, summary, source, topics, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (article_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			source = EXCLUDED.source,
			topics = EXCLUDED.topics,
			published_at = EXCLUDED.published_at,
			updated_at = EXCLUDED.updated_at
	`, rec.ArticleID, formatEmbedding(rec.Vector), rec.URL, rec.Title, rec.Summary, rec.Source,
		string(topicsJSON), nullTime(rec.PublishedAt), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, vec []float32, limit int) ([]vector.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT article_id, url, title, summary, source, topics, published_at, updated_at,
			1 - (embedding <=> $1) AS score
		FROM article_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, formatEmbedding(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var (
			m           vector.Match
			topicsJSON  []byte
			publishedAt sql.NullTime
			score       float64
		)
		if err := rows.Scan(&m.ArticleID, &m.URL, &m.Title, &m.Summary, &m.Source,
			&topicsJSON, &publishedAt, &m.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.Topics = []string{}
		if len(topicsJSON) > 0 {
			if err := json.Unmarshal(topicsJSON, &m.Topics); err != nil {
				return nil, fmt.Errorf("decode topics: %w", err)
			}
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			m.PublishedAt = &t
		}
		m.Score = float32(score)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) Vector(ctx context.Context, articleID string) ([]float32, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding::text FROM article_embeddings WHERE article_id = $1`, articleID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("vector "+articleID, nil)
	}
	if err != nil {
		return nil, err
	}
	return parseEmbedding(raw)
}

// Dimension reads the declared size of the embedding column, so an empty
// table created for another model still reports its size. For the vector
// type atttypmod is the dimension, or -1 when the column is unsized.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	var typmod int
	err := s.db.QueryRowContext(ctx, `SELECT atttypmod FROM pg_attribute
		WHERE attrelid = to_regclass('article_embeddings') AND attname = 'embedding' AND NOT attisdropped`).Scan(&typmod)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if typmod < 0 {
		return 0, nil
	}
	return typmod, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM article_embeddings`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// formatEmbedding renders v in pgvector text form, e.g. "[0.1,0.2]".
func formatEmbedding(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse embedding component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

var _ vector.Index = (*Store)(nil)

package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, rerank_provider, rerank_api_key, search_top_k, score_threshold, keyword_fallback FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.RerankProvider, &s.RerankAPIKey, &s.SearchTopK, &s.ScoreThreshold, &s.KeywordFallback)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `
		UPDATE settings
		SET rerank_provider = $1, rerank_api_key = $2, search_top_k = $3, score_threshold = $4, keyword_fallback = $5, updated_at = NOW()
		WHERE id = 1
	`
	_, err := r.db.ExecContext(ctx, query, s.RerankProvider, s.RerankAPIKey, s.SearchTopK, s.ScoreThreshold, s.KeywordFallback)
	return err
}

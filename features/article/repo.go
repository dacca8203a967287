// Package article persists article metadata and the topic graph in Postgres.
package article

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"newslens/internal/failure"
	"newslens/internal/news"
)

type Repository interface {
	UpsertArticle(ctx context.Context, a *news.Article) error
	UpsertTopicsForArticle(ctx context.Context, articleID string, labels []string) error
	Save(ctx context.Context, a *news.Article, analyzed bool) error
	GetArticle(ctx context.Context, id string) (*news.Article, error)
	GetArticlesByTopic(ctx context.Context, name string, limit int) ([]news.Article, error)
	SearchByIDs(ctx context.Context, ids []string) ([]news.Article, error)
	MatchTopics(ctx context.Context, query string, limit int) ([]news.Topic, error)
	KeywordSearch(ctx context.Context, terms []string, limit int) ([]string, error)
	Count(ctx context.Context) (int, error)
	CountTopics(ctx context.Context) (int, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var articleColumns = []string{"a.id", "a.url", "a.title", "a.summary", "a.source", "a.published_at", "a.created_at", "a.updated_at"}

type PostgresRepo struct {
	db   *sql.DB
	psql sq.StatementBuilderType
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// UpsertArticle inserts or overwrites the mutable fields of an article. An
// empty summary never replaces a stored one.
func (r *PostgresRepo) UpsertArticle(ctx context.Context, a *news.Article) error {
	if err := upsertArticle(ctx, r.db, a); err != nil {
		return failure.Store("upsert article", err)
	}
	return nil
}

// UpsertTopicsForArticle creates missing topics and replaces the article's
// association set in one transaction.
func (r *PostgresRepo) UpsertTopicsForArticle(ctx context.Context, articleID string, labels []string) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		return replaceTopics(ctx, tx, articleID, labels)
	})
	if err != nil {
		return failure.Store("upsert topics", err)
	}
	return nil
}

// Save writes the article row and, when analyzed, its topic set atomically.
// An unanalyzed save keeps the stored summary and topics and copies them back
// into a, so the vector record written afterwards matches the row.
func (r *PostgresRepo) Save(ctx context.Context, a *news.Article, analyzed bool) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertArticle(ctx, tx, a); err != nil {
			return err
		}
		if analyzed {
			return replaceTopics(ctx, tx, a.ID, a.Topics)
		}
		topics, err := loadTopics(ctx, tx, []string{a.ID})
		if err != nil {
			return err
		}
		a.Topics = nonNil(topics[a.ID])
		return nil
	})
	if err != nil {
		return failure.Store("save article", err)
	}
	return nil
}

func (r *PostgresRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertArticle(ctx context.Context, q querier, a *news.Article) error {
	query := `INSERT INTO articles (id, url, title, summary, source, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			summary = COALESCE(EXCLUDED.summary, articles.summary),
			source = EXCLUDED.source,
			published_at = COALESCE(EXCLUDED.published_at, articles.published_at),
			updated_at = NOW()
		RETURNING summary, created_at, updated_at`

	var summary sql.NullString
	err := q.QueryRowContext(ctx, query, a.ID, a.URL, a.Title, nullString(a.Summary), a.Source, nullTime(a.PublishedAt)).
		Scan(&summary, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert article %s: %w", a.ID, err)
	}
	a.Summary = summary.String
	return nil
}

func replaceTopics(ctx context.Context, q querier, articleID string, labels []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM article_topics WHERE article_id = $1`, articleID); err != nil {
		return fmt.Errorf("clear topics: %w", err)
	}

	for _, label := range labels {
		name := news.NormalizeTopic(label)
		if name == "" {
			continue
		}

		var topicID int64
		err := q.QueryRowContext(ctx,
			`INSERT INTO topics (name, label) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name, label).Scan(&topicID)
		if err != nil {
			return fmt.Errorf("upsert topic %q: %w", name, err)
		}

		if _, err := q.ExecContext(ctx,
			`INSERT INTO article_topics (article_id, topic_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			articleID, topicID); err != nil {
			return fmt.Errorf("link topic %q: %w", name, err)
		}
	}
	return nil
}

func (r *PostgresRepo) GetArticle(ctx context.Context, id string) (*news.Article, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, failure.NotFound("article "+id, nil)
	}

	query, args, err := r.psql.Select(articleColumns...).From("articles a").Where(sq.Eq{"a.id": id}).ToSql()
	if err != nil {
		return nil, failure.Store("get article", err)
	}

	a, err := scanArticle(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("article "+id, err)
	}
	if err != nil {
		return nil, failure.Store("get article", err)
	}

	topics, err := loadTopics(ctx, r.db, []string{a.ID})
	if err != nil {
		return nil, failure.Store("get article topics", err)
	}
	a.Topics = nonNil(topics[a.ID])
	return a, nil
}

// GetArticlesByTopic matches the topic case-insensitively through its
// normalized name. Newest articles come first.
func (r *PostgresRepo) GetArticlesByTopic(ctx context.Context, name string, limit int) ([]news.Article, error) {
	normalized := news.NormalizeTopic(name)

	var topicID int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = $1`, normalized).Scan(&topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFound("topic "+name, err)
	}
	if err != nil {
		return nil, failure.Store("get topic", err)
	}

	builder := r.psql.Select(articleColumns...).
		From("articles a").
		Join("article_topics at ON at.article_id = a.id").
		Where(sq.Eq{"at.topic_id": topicID}).
		OrderBy("a.published_at DESC NULLS LAST", "a.updated_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	articles, err := r.queryArticles(ctx, builder)
	if err != nil {
		return nil, failure.Store("articles by topic", err)
	}
	return articles, nil
}

// SearchByIDs returns the known articles among ids, in request order.
func (r *PostgresRepo) SearchByIDs(ctx context.Context, ids []string) ([]news.Article, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []news.Article{}, nil
	}

	articles, err := r.queryArticles(ctx, r.psql.Select(articleColumns...).From("articles a").Where(sq.Eq{"a.id": valid}))
	if err != nil {
		return nil, failure.Store("search by ids", err)
	}

	byID := make(map[string]news.Article, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}

	ordered := make([]news.Article, 0, len(articles))
	seen := make(map[string]bool, len(valid))
	for _, id := range valid {
		a, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, a)
	}
	return ordered, nil
}

// MatchTopics returns topics whose normalized name contains the normalized
// query. An exact match sorts first, then names alphabetically.
func (r *PostgresRepo) MatchTopics(ctx context.Context, query string, limit int) ([]news.Topic, error) {
	normalized := news.NormalizeTopic(query)
	if normalized == "" {
		return []news.Topic{}, nil
	}

	builder := r.psql.Select("id", "name", "label").
		From("topics").
		Where(sq.Like{"name": "%" + escapeLike(normalized) + "%"}).
		OrderByClause("(name = ?) DESC", normalized).
		OrderBy("name")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, failure.Store("match topics", err)
	}
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, failure.Store("match topics", err)
	}
	defer rows.Close()

	topics := []news.Topic{}
	for rows.Next() {
		var t news.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.Label); err != nil {
			return nil, failure.Store("match topics", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Store("match topics", err)
	}
	return topics, nil
}

// KeywordSearch returns ids of articles whose title or summary contains any
// of the terms, most recently updated first.
func (r *PostgresRepo) KeywordSearch(ctx context.Context, terms []string, limit int) ([]string, error) {
	if len(terms) == 0 {
		return []string{}, nil
	}

	or := sq.Or{}
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		or = append(or, sq.ILike{"title": pattern}, sq.ILike{"summary": pattern})
	}

	builder := r.psql.Select("id").From("articles").Where(or).OrderBy("updated_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, failure.Store("keyword search", err)
	}
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, failure.Store("keyword search", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, failure.Store("keyword search", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Store("keyword search", err)
	}
	return ids, nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountTopics(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) queryArticles(ctx context.Context, builder sq.SelectBuilder) ([]news.Article, error) {
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	articles := []news.Article{}
	ids := []string{}
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return articles, nil
	}

	topics, err := loadTopics(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range articles {
		articles[i].Topics = nonNil(topics[articles[i].ID])
	}
	return articles, nil
}

func loadTopics(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT at.article_id, t.label
		FROM article_topics at
		JOIN topics t ON t.id = at.topic_id
		WHERE at.article_id = ANY($1::uuid[])
		ORDER BY at.article_id, t.label`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(ids))
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, err
		}
		out[id] = append(out[id], label)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row scanner) (*news.Article, error) {
	var (
		a           news.Article
		summary     sql.NullString
		publishedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.URL, &a.Title, &summary, &a.Source, &publishedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Summary = summary.String
	if publishedAt.Valid {
		t := publishedAt.Time
		a.PublishedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

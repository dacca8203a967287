package article

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newslens/internal/failure"
	"newslens/internal/news"
)

const (
	idA = "0b6b5b1e-1c2d-5e3f-8a9b-0c1d2e3f4a5b"
	idB = "1c7c6c2f-2d3e-5f4a-9b0c-1d2e3f4a5b6c"
)

var articleRowColumns = []string{"id", "url", "title", "summary", "source", "published_at", "created_at", "updated_at"}

func TestPostgresRepo_Save_Analyzed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	a := &news.Article{ID: idA, URL: "https://example.com/a", Title: "Budget", Summary: "S.", Source: "example.com", Topics: []string{"Politics", "Economy"}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO articles")).
		WithArgs(idA, a.URL, a.Title, "S.", a.Source, nil).
		WillReturnRows(sqlmock.NewRows([]string{"summary", "created_at", "updated_at"}).AddRow("S.", now, now))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM article_topics WHERE article_id = $1")).WithArgs(idA).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics (name, label)")).WithArgs("politics", "Politics").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO article_topics")).WithArgs(idA, int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics (name, label)")).WithArgs("economy", "Economy").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO article_topics")).WithArgs(idA, int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewPostgresRepo(db).Save(context.Background(), a, true))
	assert.Equal(t, now, a.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Save_UnanalyzedKeepsTopics(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	a := &news.Article{ID: idA, URL: "https://example.com/a", Title: "Budget"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(EXCLUDED.summary, articles.summary)")).
		WithArgs(idA, a.URL, a.Title, nil, "", nil).
		WillReturnRows(sqlmock.NewRows([]string{"summary", "created_at", "updated_at"}).AddRow("Earlier summary.", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM article_topics at")).
		WithArgs(pq.Array([]string{idA})).
		WillReturnRows(sqlmock.NewRows([]string{"article_id", "label"}).AddRow(idA, "Economy").AddRow(idA, "Politics"))
	mock.ExpectCommit()

	require.NoError(t, NewPostgresRepo(db).Save(context.Background(), a, false))
	assert.Equal(t, "Earlier summary.", a.Summary)
	assert.Equal(t, []string{"Economy", "Politics"}, a.Topics)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Save_RollsBackOnTopicFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	a := &news.Article{ID: idA, URL: "u", Title: "T", Summary: "S.", Topics: []string{"Politics"}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO articles")).
		WillReturnRows(sqlmock.NewRows([]string{"summary", "created_at", "updated_at"}).AddRow("S.", now, now))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM article_topics")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO topics")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = NewPostgresRepo(db).Save(context.Background(), a, true)
	require.Error(t, err)
	assert.Equal(t, failure.KindStore, failure.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_GetArticle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM articles a WHERE a.id = $1")).WithArgs(idA).
		WillReturnRows(sqlmock.NewRows(articleRowColumns).AddRow(idA, "u", "T", nil, "src", nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE at.article_id = ANY($1::uuid[])")).WithArgs(pq.Array([]string{idA})).
		WillReturnRows(sqlmock.NewRows([]string{"article_id", "label"}).AddRow(idA, "Economy").AddRow(idA, "Politics"))

	a, err := NewPostgresRepo(db).GetArticle(context.Background(), idA)
	require.NoError(t, err)
	assert.Equal(t, "", a.Summary)
	assert.Nil(t, a.PublishedAt)
	assert.Equal(t, []string{"Economy", "Politics"}, a.Topics)
}

func TestPostgresRepo_GetArticle_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM articles a WHERE a.id = $1")).WithArgs(idA).WillReturnError(sql.ErrNoRows)

	repo := NewPostgresRepo(db)
	_, err = repo.GetArticle(context.Background(), idA)
	assert.True(t, failure.Is(err, failure.KindNotFound))

	_, err = repo.GetArticle(context.Background(), "not-a-uuid")
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestPostgresRepo_GetArticlesByTopic_CaseInsensitive(t *testing.T) {
	for _, name := range []string{"Politics", "politics", "  POLITICS "} {
		t.Run(name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			now := time.Now()
			mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM topics WHERE name = $1")).WithArgs("politics").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
			mock.ExpectQuery(regexp.QuoteMeta("JOIN article_topics at ON at.article_id = a.id WHERE at.topic_id = $1 ORDER BY a.published_at DESC NULLS LAST, a.updated_at DESC LIMIT 20")).
				WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows(articleRowColumns).AddRow(idA, "u", "T", "S.", "src", now, now, now))
			mock.ExpectQuery(regexp.QuoteMeta("ANY($1::uuid[])")).
				WillReturnRows(sqlmock.NewRows([]string{"article_id", "label"}).AddRow(idA, "Politics"))

			articles, err := NewPostgresRepo(db).GetArticlesByTopic(context.Background(), name, 20)
			require.NoError(t, err)
			require.Len(t, articles, 1)
			assert.Equal(t, idA, articles[0].ID)
			assert.Equal(t, []string{"Politics"}, articles[0].Topics)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresRepo_GetArticlesByTopic_UnknownTopic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM topics")).WithArgs("sports").WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresRepo(db).GetArticlesByTopic(context.Background(), "Sports", 10)
	assert.True(t, failure.Is(err, failure.KindNotFound))
}

func TestPostgresRepo_SearchByIDs_RequestOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	unknown := "2d8d7d3a-3e4f-5a5b-8c1d-2e3f4a5b6c7d"
	mock.ExpectQuery(regexp.QuoteMeta("FROM articles a WHERE a.id IN ($1,$2,$3)")).
		WithArgs(idB, unknown, idA).
		WillReturnRows(sqlmock.NewRows(articleRowColumns).
			AddRow(idA, "ua", "A", "S.", "src", nil, now, now).
			AddRow(idB, "ub", "B", "S.", "src", nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("ANY($1::uuid[])")).
		WillReturnRows(sqlmock.NewRows([]string{"article_id", "label"}))

	articles, err := NewPostgresRepo(db).SearchByIDs(context.Background(), []string{idB, "garbage", unknown, idA})
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, idB, articles[0].ID)
	assert.Equal(t, idA, articles[1].ID)
	assert.Equal(t, []string{}, articles[0].Topics)
}

func TestPostgresRepo_MatchTopics(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, label FROM topics WHERE name LIKE $1 ORDER BY (name = $2) DESC, name LIMIT 10")).
		WithArgs("%climate\\_change%", "climate_change").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "label"}).AddRow(3, "climate_change", "Climate_Change"))

	topics, err := NewPostgresRepo(db).MatchTopics(context.Background(), " Climate_Change ", 10)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "Climate_Change", topics[0].Label)
}

func TestPostgresRepo_KeywordSearch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM articles WHERE (title ILIKE $1 OR summary ILIKE $2 OR title ILIKE $3 OR summary ILIKE $4) ORDER BY updated_at DESC LIMIT 5")).
		WithArgs("%budget%", "%budget%", "%vote%", "%vote%").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(idA))

	ids, err := NewPostgresRepo(db).KeywordSearch(context.Background(), []string{"budget", "vote"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{idA}, ids)
}

func TestPostgresRepo_Counts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM articles")).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM topics")).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	repo := NewPostgresRepo(db)
	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = repo.CountTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"newslens/internal/failure"
	"newslens/internal/middleware"
	"newslens/internal/news"
	"newslens/internal/retrieval"
	"newslens/internal/settings"
	"newslens/internal/vector"
)

type MockEnhancer struct{ mock.Mock }

func (m *MockEnhancer) EnhanceQuery(ctx context.Context, query string) (string, error) {
	args := m.Called(ctx, query)
	return args.String(0), args.Error(1)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockArticles struct{ mock.Mock }

func (m *MockArticles) MatchTopics(ctx context.Context, query string, limit int) ([]news.Topic, error) {
	args := m.Called(ctx, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]news.Topic), args.Error(1)
}

func (m *MockArticles) KeywordSearch(ctx context.Context, terms []string, limit int) ([]string, error) {
	args := m.Called(ctx, terms, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockArticles) SearchByIDs(ctx context.Context, ids []string) ([]news.Article, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]news.Article), args.Error(1)
}

type MockReranker struct{ mock.Mock }

func (m *MockReranker) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	args := m.Called(ctx, query, docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

type stubSettings struct{ s *settings.Settings }

func (s stubSettings) Effective(ctx context.Context) *settings.Settings { return s.s }

type fixture struct {
	enhancer *MockEnhancer
	embedder *MockEmbedder
	articles *MockArticles
	index    *vector.MemoryIndex
	settings *settings.Settings
	log      *bytes.Buffer
}

const (
	idA = "6f1d2c3b-4a5e-5f60-8172-93a4b5c6d7e8"
	idB = "7a2e3d4c-5b6f-5071-9283-a4b5c6d7e8f9"
	idC = "8b3f4e5d-6c70-5182-a394-b5c6d7e8f90a"
	idZ = "9c405f6e-7d81-5293-b4a5-c6d7e8f90a1b"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		enhancer: new(MockEnhancer),
		embedder: new(MockEmbedder),
		articles: new(MockArticles),
		index:    vector.NewMemoryIndex(),
		settings: settings.Defaults(),
		log:      new(bytes.Buffer),
	}
	ctx := context.Background()
	for _, rec := range []vector.Record{
		{ArticleID: idA, Vector: []float32{1, 0, 0}, Title: "Budget passes", Summary: "Parliament passed the budget.", Topics: []string{"Politics", "Economy"}},
		{ArticleID: idB, Vector: []float32{0.8, 0.6, 0}, Title: "Markets rally", Topics: []string{"Economy"}},
		{ArticleID: idC, Vector: []float32{0, 1, 0}, Title: "Cup final", Topics: []string{"Sports"}},
	} {
		require.NoError(t, f.index.Upsert(ctx, rec))
	}
	return f
}

func (f *fixture) service(r retrieval.Reranker) *retrieval.Service {
	return retrieval.NewService(f.enhancer, f.embedder, f.index, f.articles, r, stubSettings{f.settings}, retrieval.NewQueryLogger(f.log))
}

func ids(results []news.ScoredArticle) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestService_Search(t *testing.T) {
	f := newFixture(t)
	f.embedder.On("Embed", mock.Anything, "budget").Return([]float32{1, 0, 0}, nil)

	results, err := f.service(nil).Search(context.Background(), "  budget ", false, 2)

	require.NoError(t, err)
	assert.Equal(t, []string{idA, idB}, ids(results))
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.8, results[1].Score, 1e-6)
	assert.Equal(t, "Parliament passed the budget.", results[0].Summary)
	assert.Equal(t, []string{"Politics", "Economy"}, results[0].Topics)
	f.enhancer.AssertNotCalled(t, "EnhanceQuery", mock.Anything, mock.Anything)
}

func TestService_Search_DefaultAndMaxLimit(t *testing.T) {
	f := newFixture(t)
	f.settings.SearchTopK = 1
	f.embedder.On("Embed", mock.Anything, "budget").Return([]float32{1, 0, 0}, nil)

	results, err := f.service(nil).Search(context.Background(), "budget", false, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = f.service(nil).Search(context.Background(), "budget", false, 5000)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestService_Search_EmptyQuery(t *testing.T) {
	f := newFixture(t)

	_, err := f.service(nil).Search(context.Background(), "   ", true, 5)

	assert.True(t, failure.Is(err, failure.KindInvalid))
	assert.ErrorIs(t, err, retrieval.ErrEmptyQuery)
}

func TestService_Search_EnhancerDownFallsBack(t *testing.T) {
	f := newFixture(t)
	f.enhancer.On("EnhanceQuery", mock.Anything, "budget").
		Return("", failure.AnalyzerUnavailable("enhance query", errors.New("connection refused")))
	f.embedder.On("Embed", mock.Anything, "budget").Return([]float32{1, 0, 0}, nil)

	results, err := f.service(nil).Search(context.Background(), "budget", true, 5)

	require.NoError(t, err)
	assert.Equal(t, idA, results[0].ID)
	f.embedder.AssertExpectations(t)
}

func TestService_Search_UsesEnhancedQuery(t *testing.T) {
	f := newFixture(t)
	f.enhancer.On("EnhanceQuery", mock.Anything, "cup").Return("cup final football match", nil)
	f.embedder.On("Embed", mock.Anything, "cup final football match").Return([]float32{0, 1, 0}, nil)

	results, err := f.service(nil).Search(context.Background(), "cup", true, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{idC}, ids(results))

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.NewDecoder(f.log).Decode(&entry))
	assert.Equal(t, "search", entry.Operation)
	assert.Equal(t, "cup", entry.Query)
	assert.Equal(t, "cup final football match", entry.EnhancedQuery)
	assert.Equal(t, 1, entry.NumResults)
}

func TestService_Search_EmbeddingError(t *testing.T) {
	f := newFixture(t)
	f.embedder.On("Embed", mock.Anything, "budget").Return(nil, errors.New("model not loaded"))

	_, err := f.service(nil).Search(context.Background(), "budget", false, 5)

	assert.True(t, failure.Is(err, failure.KindEmbedding))
	assert.Zero(t, f.log.Len())
}

func TestService_Search_ThresholdAndKeywordFallback(t *testing.T) {
	f := newFixture(t)
	f.settings.ScoreThreshold = 0.9
	f.settings.KeywordFallback = true
	f.embedder.On("Embed", mock.Anything, "the budget vote").Return([]float32{1, 0, 0}, nil)
	f.articles.On("KeywordSearch", mock.Anything, []string{"budget", "vote"}, 3).Return([]string{idA, idB, idZ}, nil)
	f.articles.On("SearchByIDs", mock.Anything, []string{idB}).
		Return([]news.Article{{ID: idB, Title: "Markets rally", Topics: []string{"Economy"}}}, nil)

	results, err := f.service(nil).Search(context.Background(), "the budget vote", false, 3)

	require.NoError(t, err)
	assert.Equal(t, []string{idA, idB}, ids(results), "articles without a vector never surface")
	assert.Equal(t, float32(0), results[1].Score)
	f.articles.AssertExpectations(t)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(f.log.Bytes(), &entry))
	assert.True(t, entry.KeywordFallback)
}

func TestService_Search_KeywordFallbackSkipsUnembedded(t *testing.T) {
	f := newFixture(t)
	f.settings.ScoreThreshold = 0.99
	f.settings.KeywordFallback = true
	f.embedder.On("Embed", mock.Anything, "delayed vote").Return([]float32{0, 0, 1}, nil)
	f.articles.On("KeywordSearch", mock.Anything, []string{"delayed", "vote"}, 5).Return([]string{idZ}, nil)

	results, err := f.service(nil).Search(context.Background(), "delayed vote", false, 5)

	require.NoError(t, err)
	assert.Empty(t, results)
	f.articles.AssertNotCalled(t, "SearchByIDs", mock.Anything, mock.Anything)
}

func TestService_Search_Rerank(t *testing.T) {
	t.Run("reorders", func(t *testing.T) {
		f := newFixture(t)
		f.embedder.On("Embed", mock.Anything, "budget").Return([]float32{1, 0, 0}, nil)
		r := new(MockReranker)
		r.On("Rerank", mock.Anything, "budget", mock.Anything).Return([]int{2, 0}, nil)

		results, err := f.service(r).Search(context.Background(), "budget", false, 3)

		require.NoError(t, err)
		assert.Equal(t, []string{idC, idA, idB}, ids(results))
	})

	t.Run("failure keeps vector order", func(t *testing.T) {
		f := newFixture(t)
		f.embedder.On("Embed", mock.Anything, "budget").Return([]float32{1, 0, 0}, nil)
		r := new(MockReranker)
		r.On("Rerank", mock.Anything, "budget", mock.Anything).Return(nil, errors.New("401"))

		results, err := f.service(r).Search(context.Background(), "budget", false, 3)

		require.NoError(t, err)
		assert.Equal(t, []string{idA, idB, idC}, ids(results))
	})
}

func TestService_FindSimilar(t *testing.T) {
	f := newFixture(t)

	results, err := f.service(nil).FindSimilar(context.Background(), idA, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{idB}, ids(results))
	assert.InDelta(t, 0.8, results[0].Score, 1e-6)
}

func TestService_FindSimilar_ExcludesSelfAtAnyLimit(t *testing.T) {
	f := newFixture(t)

	results, err := f.service(nil).FindSimilar(context.Background(), idB, 10)

	require.NoError(t, err)
	assert.Equal(t, []string{idA, idC}, ids(results))
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestService_FindSimilar_NotEmbedded(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{idZ, "missing", "../etc"} {
		_, err := f.service(nil).FindSimilar(context.Background(), id, 5)
		assert.True(t, failure.Is(err, failure.KindNotFound), id)
	}
}

func TestService_TopicsMatching_Substring(t *testing.T) {
	f := newFixture(t)
	f.articles.On("MatchTopics", mock.Anything, "econ", 10).
		Return([]news.Topic{{Name: "economy", Label: "Economy"}, {Name: "home economics", Label: "Home Economics"}}, nil)

	topics, err := f.service(nil).TopicsMatching(context.Background(), "econ")

	require.NoError(t, err)
	assert.Equal(t, []string{"Economy", "Home Economics"}, topics)
	f.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestService_TopicsMatching_SemanticFallback(t *testing.T) {
	f := newFixture(t)
	f.articles.On("MatchTopics", mock.Anything, "fiscal policy", 10).Return([]news.Topic{}, nil)
	f.embedder.On("Embed", mock.Anything, "fiscal policy").Return([]float32{1, 0, 0}, nil)

	topics, err := f.service(nil).TopicsMatching(context.Background(), "fiscal policy")

	require.NoError(t, err)
	// Economy occurs twice; Politics and Sports once each, ordered by name.
	assert.Equal(t, []string{"Economy", "Politics", "Sports"}, topics)
	f.enhancer.AssertNotCalled(t, "EnhanceQuery", mock.Anything, mock.Anything)
}

func TestService_TopicsMatching_EmptyQuery(t *testing.T) {
	f := newFixture(t)

	_, err := f.service(nil).TopicsMatching(context.Background(), "")

	assert.True(t, failure.Is(err, failure.KindInvalid))
}

func TestService_LogsCorrelationID(t *testing.T) {
	f := newFixture(t)
	ctx := context.WithValue(context.Background(), middleware.CorrelationKey, "req-42")

	_, err := f.service(nil).FindSimilar(ctx, idA, 2)
	require.NoError(t, err)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.NewDecoder(f.log).Decode(&entry))
	assert.Equal(t, "similar", entry.Operation)
	assert.Equal(t, "req-42", entry.CorrelationID)
}

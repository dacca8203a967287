package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"newslens/internal/adapter/extractor"
	"newslens/internal/failure"
	"newslens/internal/news"
	"newslens/internal/vector"
)

const (
	urlA = "https://example.com/news/budget"
	urlB = "https://example.com/news/election"
)

var politics = staticAnalyzer{analysis: news.Analysis{
	Summary: "Parliament passed the budget.",
	Topics:  []string{"Politics", "Economy"},
}}

type harness struct {
	extractor *fakeExtractor
	embedder  *wordEmbedder
	store     *fakeStore
	index     *vector.MemoryIndex
	ledger    *fakeLedger
}

func newHarness() *harness {
	return &harness{
		extractor: newFakeExtractor().
			page(urlA, "Budget passes", "The parliament voted on the budget today.").
			page(urlB, "Election called", "An early election was called by the prime minister."),
		embedder: &wordEmbedder{},
		store:    newFakeStore(),
		index:    vector.NewMemoryIndex(),
		ledger:   newFakeLedger(),
	}
}

func (h *harness) pipeline(analyzer Analyzer, cfg Config) *Pipeline {
	return New(h.extractor, analyzer, h.embedder, h.store, h.index, cfg).WithFailureRecorder(h.ledger)
}

func countIndex(t *testing.T, idx vector.Index) int {
	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestPipeline_Store_HappyPath(t *testing.T) {
	h := newHarness()
	p := h.pipeline(politics, Config{Concurrency: 2, IndexUnanalyzed: true})

	res := p.Store(context.Background(), []string{urlA})

	require.Len(t, res.Results, 1)
	st := res.Results[0]
	assert.Equal(t, StateStored, st.State)
	assert.True(t, st.Searchable)
	assert.Nil(t, st.Article)
	assert.Equal(t, []State{
		StateReceived, StateExtracting, StateExtracted, StateAnalyzing, StateAnalyzed,
		StateEmbedding, StateEmbedded, StatePersisting, StateStored,
	}, st.History)
	assert.Equal(t, []string{news.ArticleID(urlA)}, res.Stored)
	assert.Empty(t, res.Failed)

	row, found := h.store.get(st.ArticleID)
	require.True(t, found)
	assert.Equal(t, "Parliament passed the budget.", row.Summary)
	assert.Equal(t, []string{"Politics", "Economy"}, row.Topics)
	assert.Empty(t, row.Body)

	vec, err := h.index.Vector(context.Background(), st.ArticleID)
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
}

func TestPipeline_Store_Idempotent(t *testing.T) {
	h := newHarness()
	p := h.pipeline(politics, Config{Concurrency: 4})

	first := p.Store(context.Background(), []string{urlA})
	second := p.Store(context.Background(), []string{urlA + "/?utm_source=twitter"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Store(context.Background(), []string{"https://EXAMPLE.com/news/budget#comments"})
		}()
	}
	wg.Wait()

	assert.Equal(t, first.Stored, second.Stored)
	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, 1, countIndex(t, h.index))
	assert.Equal(t, 0, p.locks.size())
}

func TestPipeline_Store_AnalyzerFailureStillStored(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		indexUnanalyzed bool
		wantSearchable  bool
		wantIndexed     int
	}{
		{"unavailable, indexed", failure.AnalyzerUnavailable("analyze", errors.New("connection refused")), true, true, 1},
		{"bad response, indexed", failure.AnalyzerResponse("analyze", errors.New("not json")), true, true, 1},
		{"unavailable, metadata only", failure.AnalyzerUnavailable("analyze", errors.New("timeout")), false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			p := h.pipeline(staticAnalyzer{err: tt.err}, Config{IndexUnanalyzed: tt.indexUnanalyzed})

			res := p.Store(context.Background(), []string{urlA})

			require.Equal(t, []string{news.ArticleID(urlA)}, res.Stored)
			assert.Empty(t, res.Failed)

			st := res.Results[0]
			assert.Equal(t, StateStored, st.State)
			assert.Contains(t, st.History, StateAnalyzedPartial)
			assert.NotContains(t, st.History, StateAnalyzed)
			assert.NotEmpty(t, st.Warnings)
			assert.Equal(t, tt.wantSearchable, st.Searchable)

			row, _ := h.store.get(st.ArticleID)
			assert.Empty(t, row.Summary)
			assert.Empty(t, row.Topics)
			assert.Equal(t, tt.wantIndexed, countIndex(t, h.index))
		})
	}
}

func TestPipeline_Store_ReanalysisFailureKeepsEarlierSummary(t *testing.T) {
	h := newHarness()
	h.pipeline(politics, Config{}).Store(context.Background(), []string{urlA})

	down := staticAnalyzer{err: failure.AnalyzerUnavailable("analyze", errors.New("down"))}
	res := h.pipeline(down, Config{}).Store(context.Background(), []string{urlA})

	require.Len(t, res.Stored, 1)
	row, _ := h.store.get(res.Stored[0])
	assert.Equal(t, "Parliament passed the budget.", row.Summary)
	assert.Equal(t, 1, h.store.count())
}

func TestPipeline_Store_ReanalysisFailureKeepsIndexedTopics(t *testing.T) {
	h := newHarness()
	cfg := Config{IndexUnanalyzed: true}
	h.pipeline(politics, cfg).Store(context.Background(), []string{urlA})

	down := staticAnalyzer{err: failure.AnalyzerUnavailable("analyze", errors.New("down"))}
	res := h.pipeline(down, cfg).Store(context.Background(), []string{urlA})

	require.Len(t, res.Stored, 1)
	id := res.Stored[0]
	row, _ := h.store.get(id)
	assert.Equal(t, []string{"Politics", "Economy"}, row.Topics)

	vec, err := h.index.Vector(context.Background(), id)
	require.NoError(t, err)
	matches, err := h.index.Query(context.Background(), vec, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ArticleID)
	assert.Equal(t, row.Topics, matches[0].Topics)
	assert.Equal(t, row.Summary, matches[0].Summary)
}

func TestPipeline_Store_FaultIsolation(t *testing.T) {
	h := newHarness()
	missing := "https://example.com/news/gone"
	p := h.pipeline(politics, Config{Concurrency: 2})

	res := p.Store(context.Background(), []string{missing, urlA})

	require.Len(t, res.Results, 2)
	assert.Equal(t, missing, res.Results[0].URL)
	assert.Equal(t, StateExtractionFailed, res.Results[0].State)
	assert.Contains(t, res.Results[0].Reason, "404")
	assert.Equal(t, urlA, res.Results[1].URL)
	assert.Equal(t, StateStored, res.Results[1].State)

	assert.Equal(t, []string{news.ArticleID(urlA)}, res.Stored)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, missing, res.Failed[0].URL)
	assert.Equal(t, 1, h.store.count())
}

func TestPipeline_Store_InvalidURL(t *testing.T) {
	h := newHarness()
	res := h.pipeline(politics, Config{}).Store(context.Background(), []string{"ftp://example.com/x", "not a url"})

	require.Len(t, res.Failed, 2)
	for _, st := range res.Results {
		assert.Equal(t, StateExtractionFailed, st.State)
		assert.Empty(t, st.ArticleID)
		assert.Contains(t, st.Reason, "invalid url")
	}
	assert.Empty(t, res.Stored)
	assert.Empty(t, h.ledger.entries)
}

func TestPipeline_Store_EmbeddingFailure(t *testing.T) {
	h := newHarness()
	h.embedder.err = errors.New("model not loaded")

	res := h.pipeline(politics, Config{}).Store(context.Background(), []string{urlA})

	st := res.Results[0]
	assert.Equal(t, StateEmbeddingFailed, st.State)
	assert.False(t, st.Searchable)
	assert.Contains(t, st.History, StatePersisting)
	assert.Equal(t, []string{st.ArticleID}, res.Stored)
	assert.Len(t, res.Failed, 1)

	_, found := h.store.get(st.ArticleID)
	assert.True(t, found)
	assert.Equal(t, 0, countIndex(t, h.index))
}

func TestPipeline_Store_VectorWriteFailure(t *testing.T) {
	h := newHarness()
	idx := failingIndex{MemoryIndex: h.index, err: errors.New("connection refused")}
	p := New(h.extractor, politics, h.embedder, h.store, idx, Config{IndexName: "qdrant"})

	res := p.Store(context.Background(), []string{urlA})

	st := res.Results[0]
	assert.Equal(t, StateEmbeddingFailed, st.State)
	assert.Contains(t, st.Reason, "qdrant")
	assert.Equal(t, []string{st.ArticleID}, res.Stored)
	_, found := h.store.get(st.ArticleID)
	assert.True(t, found)
}

func TestPipeline_Store_MetadataFailureIsHard(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("connection reset")

	res := h.pipeline(politics, Config{}).Store(context.Background(), []string{urlA})

	st := res.Results[0]
	assert.Equal(t, StateStoreFailed, st.State)
	assert.Empty(t, res.Stored)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, 0, countIndex(t, h.index))
}

func TestPipeline_Run_DeduplicatesCanonicalURLs(t *testing.T) {
	h := newHarness()
	urls := []string{urlA, urlA + "/", urlA + "?utm_campaign=x", urlB}

	res := h.pipeline(politics, Config{Concurrency: 4}).Store(context.Background(), urls)

	assert.Equal(t, 1, h.extractor.callCount(urlA))
	require.Len(t, res.Results, 4)
	for i, st := range res.Results {
		assert.Equal(t, urls[i], st.URL)
		assert.Equal(t, StateStored, st.State)
	}
	assert.Equal(t, res.Results[0].ArticleID, res.Results[2].ArticleID)
	assert.Equal(t, 2, h.store.count())
}

func TestPipeline_Run_PreservesInputOrderAndBoundsConcurrency(t *testing.T) {
	h := newHarness()
	var urls []string
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("https://example.com/news/%d", i)
		h.extractor.page(u, fmt.Sprintf("Story %d", i), "Body text for the story.")
		h.extractor.delay[u] = time.Duration(8-i) * 5 * time.Millisecond
		urls = append(urls, u)
	}

	res := h.pipeline(politics, Config{Concurrency: 3}).Store(context.Background(), urls)

	require.Len(t, res.Stored, 8)
	for i, id := range res.Stored {
		assert.Equal(t, news.ArticleID(urls[i]), id)
	}
	assert.LessOrEqual(t, h.extractor.maxSeen, int32(3))
}

func TestPipeline_Extract_StopsEarly(t *testing.T) {
	h := newHarness()
	analyzer := new(MockAnalyzer)

	res := h.pipeline(analyzer, Config{}).Extract(context.Background(), []string{urlA, "https://example.com/missing"})

	articles := res.Articles()
	require.Len(t, articles, 1)
	assert.Equal(t, "Budget passes", articles[0].Title)
	assert.NotEmpty(t, articles[0].Body)
	assert.Equal(t, news.ArticleID(urlA), articles[0].ID)
	assert.Equal(t, StateExtracted, res.Results[0].State)
	assert.Len(t, res.Failed, 1)
	assert.Empty(t, res.Stored)
	assert.Equal(t, 0, h.store.saves)
	analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything)
}

func TestPipeline_Analyze_SoftFailurePerURL(t *testing.T) {
	h := newHarness()
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, "Budget passes", mock.Anything).
		Return(&news.Analysis{Summary: "S.", Topics: []string{"Economy"}}, nil)
	analyzer.On("Analyze", mock.Anything, "Election called", mock.Anything).
		Return(nil, failure.AnalyzerUnavailable("analyze", errors.New("connection refused")))

	res := h.pipeline(analyzer, Config{}).Analyze(context.Background(), []string{urlA, urlB})

	assert.Equal(t, StateAnalyzed, res.Results[0].State)
	assert.Equal(t, "S.", res.Results[0].Article.Summary)
	assert.Equal(t, StateAnalyzedPartial, res.Results[1].State)
	assert.NotEmpty(t, res.Results[1].Warnings)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Articles(), 2)

	partial := res.Partial()
	require.Len(t, partial, 1)
	assert.Equal(t, urlB, partial[0].URL)
	assert.Contains(t, partial[0].Warnings[0], "connection refused")
	assert.Nil(t, partial[0].Article)

	assert.Equal(t, 0, h.store.saves)
	assert.Equal(t, int32(0), h.embedder.calls)
	analyzer.AssertExpectations(t)
}

func TestPipeline_RetriesTransientExtraction(t *testing.T) {
	h := newHarness()
	flaky := &flakyExtractor{inner: h.extractor, failures: 2}
	p := New(flaky, politics, h.embedder, h.store, h.index, Config{RetryAttempts: 2, RetryInterval: time.Millisecond})

	res := p.Store(context.Background(), []string{urlA})

	assert.Equal(t, StateStored, res.Results[0].State)
	assert.Equal(t, 3, flaky.calls)
}

func TestPipeline_NoRetryByDefault(t *testing.T) {
	h := newHarness()
	flaky := &flakyExtractor{inner: h.extractor, failures: 1}
	p := New(flaky, politics, h.embedder, h.store, h.index, Config{})

	res := p.Store(context.Background(), []string{urlA})

	assert.Equal(t, StateExtractionFailed, res.Results[0].State)
	assert.Equal(t, 1, flaky.calls)
}

func TestPipeline_FailureLedger(t *testing.T) {
	h := newHarness()
	h.embedder.err = errors.New("model not loaded")
	p := h.pipeline(politics, Config{})

	p.Store(context.Background(), []string{urlA, "https://example.com/gone"})

	require.Len(t, h.ledger.entries, 2)
	assert.Equal(t, "embed", h.ledger.entries[urlA].stage)
	assert.Equal(t, "extract", h.ledger.entries["https://example.com/gone"].stage)

	h.embedder.err = nil
	p.Store(context.Background(), []string{urlA})

	assert.NotContains(t, h.ledger.entries, urlA)
	assert.Contains(t, h.ledger.cleared, urlA)
}

func TestEmbeddingText(t *testing.T) {
	assert.Equal(t, "T\n\nbody", EmbeddingText(&news.Article{Title: "T", Body: "body"}))
	assert.Equal(t, "body", EmbeddingText(&news.Article{Body: "body"}))
}

// Store two URLs, one answering 404, then look the survivor up by its title.
func TestPipeline_Store_NotFoundPageAndSearchByTitle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/story", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>T</title></head><body><article>
			<p>Lawmakers debated the national budget and tax reform.</p>
			<p>The economy minister defended the spending plan.</p>
		</article></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness()
	ex := extractor.New(extractor.Config{Timeout: 5 * time.Second})
	p := New(ex, politics, h.embedder, h.store, h.index, Config{Concurrency: 2})

	res := p.Store(context.Background(), []string{srv.URL + "/missing", srv.URL + "/story"})

	require.Len(t, res.Failed, 1)
	assert.Equal(t, StateExtractionFailed, res.Failed[0].State)
	require.Len(t, res.Stored, 1)

	// a second, unrelated article competes for the query
	other := newFakeExtractor().page(urlB, "Weather", "Heavy rain expected across the north.")
	New(other, staticAnalyzer{analysis: news.Analysis{Summary: "Rain."}}, h.embedder, h.store, h.index, Config{}).
		Store(context.Background(), []string{urlB})

	q, err := h.embedder.Embed(context.Background(), "T")
	require.NoError(t, err)
	matches, err := h.index.Query(context.Background(), q, 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, res.Stored[0], matches[0].ArticleID)
	assert.Equal(t, "T", matches[0].Title)
}

type flakyExtractor struct {
	mu       sync.Mutex
	inner    Extractor
	failures int
	calls    int
}

func (f *flakyExtractor) Extract(ctx context.Context, url string) (*news.Article, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, failure.Extraction("extract", errors.New("connection reset"))
	}
	return f.inner.Extract(ctx, url)
}

// Package ingest runs URLs through extraction, analysis, embedding and the
// dual write to the metadata store and the vector index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"newslens/internal/news"
	"newslens/internal/observability"
	"newslens/internal/vector"
)

type Extractor interface {
	Extract(ctx context.Context, rawURL string) (*news.Article, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, title, body string) (*news.Analysis, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MetadataStore persists the article row and, when analyzed, its topic set in
// one transaction.
type MetadataStore interface {
	Save(ctx context.Context, a *news.Article, analyzed bool) error
}

// FailureRecorder keeps the ledger of URLs whose last ingestion failed.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, url, stage, reason string) error
	ClearFailure(ctx context.Context, url string) error
}

type Config struct {
	Concurrency     int
	RetryAttempts   int
	RetryInterval   time.Duration
	StoreTimeout    time.Duration
	IndexUnanalyzed bool
	// IndexName identifies the vector backend in failure reasons.
	IndexName string
}

type Pipeline struct {
	extractor Extractor
	analyzer  Analyzer
	embedder  Embedder
	store     MetadataStore
	index     vector.Index
	failures  FailureRecorder
	cfg       Config
	locks     *keyLock
}

func New(extractor Extractor, analyzer Analyzer, embedder Embedder, store MetadataStore, index vector.Index, cfg Config) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.IndexName == "" {
		cfg.IndexName = "vector index"
	}
	return &Pipeline{
		extractor: extractor,
		analyzer:  analyzer,
		embedder:  embedder,
		store:     store,
		index:     index,
		cfg:       cfg,
		locks:     newKeyLock(),
	}
}

// WithFailureRecorder enables the failure ledger for store runs.
func (p *Pipeline) WithFailureRecorder(fr FailureRecorder) *Pipeline {
	p.failures = fr
	return p
}

func (p *Pipeline) Extract(ctx context.Context, urls []string) BatchResult {
	return p.Run(ctx, urls, ModeExtract)
}

func (p *Pipeline) Analyze(ctx context.Context, urls []string) BatchResult {
	return p.Run(ctx, urls, ModeAnalyze)
}

func (p *Pipeline) Store(ctx context.Context, urls []string) BatchResult {
	return p.Run(ctx, urls, ModeStore)
}

// Run processes urls concurrently up to the configured limit. A failure of one
// URL never affects another; results keep input order. URLs sharing a
// canonical form are processed once and the status is copied to each position.
func (p *Pipeline) Run(ctx context.Context, urls []string, mode Mode) BatchResult {
	results := make([]Status, len(urls))
	first := make(map[string]int, len(urls))
	dupes := make(map[int]int)

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)

	for i, raw := range urls {
		key := raw
		if canonical, err := news.Canonicalize(raw); err == nil {
			key = canonical
		}
		if j, seen := first[key]; seen {
			dupes[i] = j
			continue
		}
		first[key] = i

		g.Go(func() error {
			results[i] = p.Process(ctx, raw, mode)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range dupes {
		st := results[j]
		st.URL = urls[i]
		results[i] = st
	}

	res := newBatchResult(results)
	slog.InfoContext(ctx, "ingest batch finished",
		"mode", mode, "urls", len(urls), "stored", len(res.Stored), "failed", len(res.Failed))
	return res
}

// Process runs one URL through the pipeline up to the stage mode asks for.
func (p *Pipeline) Process(ctx context.Context, rawURL string, mode Mode) Status {
	ctx, span := observability.StartIngestSpan(ctx, rawURL, string(mode))
	defer span.End()

	t := &tracker{span: span, status: Status{URL: rawURL}}
	t.enter(ctx, StateReceived)

	canonical, err := news.Canonicalize(rawURL)
	if err != nil {
		t.enter(ctx, StateExtracting)
		return t.fail(ctx, StateExtractionFailed, err)
	}
	id := news.ArticleID(canonical)
	t.status.ArticleID = id

	unlock := p.locks.Lock(id)
	defer unlock()

	st := p.run(ctx, t, canonical, id, mode)
	if mode == ModeStore {
		p.recordOutcome(ctx, canonical, st)
	}
	return st
}

func (p *Pipeline) run(ctx context.Context, t *tracker, canonical, id string, mode Mode) Status {
	t.enter(ctx, StateExtracting)
	extracted := p.extract(ctx, canonical)
	if !extracted.ok() {
		return t.fail(ctx, StateExtractionFailed, extracted.err)
	}
	article := extracted.value
	article.ID = id
	article.URL = canonical
	if article.Source == "" {
		article.Source = news.Host(canonical)
	}
	t.enter(ctx, StateExtracted)

	if mode == ModeExtract {
		t.status.Article = article
		return t.status
	}

	t.enter(ctx, StateAnalyzing)
	analysis := p.analyze(ctx, article)
	analyzed := analysis.ok()
	if analyzed {
		article.Summary = analysis.value.Summary
		article.Topics = analysis.value.Topics
		t.enter(ctx, StateAnalyzed)
	} else {
		article.Summary = ""
		article.Topics = []string{}
		t.warn(ctx, fmt.Sprintf("analysis failed: %v", analysis.err))
		t.enter(ctx, StateAnalyzedPartial)
	}

	if mode == ModeAnalyze {
		t.status.Article = article
		return t.status
	}

	var embedded stageResult[[]float32]
	if analyzed || p.cfg.IndexUnanalyzed {
		t.enter(ctx, StateEmbedding)
		embedded = p.embed(ctx, article)
		if embedded.ok() {
			t.enter(ctx, StateEmbedded)
		}
	} else {
		embedded = softFail[[]float32](nil)
	}

	t.enter(ctx, StatePersisting)
	if persisted := p.persist(ctx, article, analyzed); !persisted.ok() {
		return t.fail(ctx, StateStoreFailed, persisted.err)
	}

	if !embedded.ok() {
		if embedded.err != nil {
			return t.fail(ctx, StateEmbeddingFailed, embedded.err)
		}
		t.warn(ctx, "not indexed: analysis unavailable")
		return t.finish(ctx, false)
	}

	if indexed := p.writeVector(ctx, article, embedded.value); !indexed.ok() {
		return t.fail(ctx, StateEmbeddingFailed, indexed.err)
	}
	return t.finish(ctx, true)
}

func (p *Pipeline) extract(ctx context.Context, url string) stageResult[*news.Article] {
	var article *news.Article
	err := p.retry(ctx, func() error {
		var err error
		article, err = p.extractor.Extract(ctx, url)
		return err
	})
	if err != nil {
		return hardFail[*news.Article](err)
	}
	return ok(article)
}

func (p *Pipeline) analyze(ctx context.Context, a *news.Article) stageResult[*news.Analysis] {
	analysis, err := p.analyzer.Analyze(ctx, a.Title, a.Body)
	if err != nil {
		return softFail[*news.Analysis](err)
	}
	return ok(analysis)
}

func (p *Pipeline) embed(ctx context.Context, a *news.Article) stageResult[[]float32] {
	var vec []float32
	err := p.retry(ctx, func() error {
		var err error
		vec, err = p.embedder.Embed(ctx, EmbeddingText(a))
		return err
	})
	if err != nil {
		return softFail[[]float32](err)
	}
	return ok(vec)
}

func (p *Pipeline) persist(ctx context.Context, a *news.Article, analyzed bool) stageResult[struct{}] {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	if err := p.store.Save(ctx, a, analyzed); err != nil {
		return hardFail[struct{}](err)
	}
	return ok(struct{}{})
}

func (p *Pipeline) writeVector(ctx context.Context, a *news.Article, vec []float32) stageResult[struct{}] {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}
	if err := p.index.Upsert(ctx, vector.RecordFromArticle(a, vec)); err != nil {
		return softFail[struct{}](fmt.Errorf("%s write: %w", p.cfg.IndexName, err))
	}
	return ok(struct{}{})
}

// retry runs op once plus up to RetryAttempts more times with exponential backoff.
func (p *Pipeline) retry(ctx context.Context, op func() error) error {
	if p.cfg.RetryAttempts <= 0 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.RetryAttempts)), ctx))
}

func (p *Pipeline) recordOutcome(ctx context.Context, canonical string, st Status) {
	if p.failures == nil {
		return
	}
	var err error
	if st.State.Failed() {
		err = p.failures.RecordFailure(ctx, canonical, st.State.stage(), st.Reason)
	} else {
		err = p.failures.ClearFailure(ctx, canonical)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to update failure ledger", "url", canonical, "error", err)
	}
}

// EmbeddingText is the text an article's vector is computed from.
func EmbeddingText(a *news.Article) string {
	if a.Title == "" {
		return a.Body
	}
	return a.Title + "\n\n" + a.Body
}

type tracker struct {
	span   trace.Span
	status Status
}

func (t *tracker) enter(ctx context.Context, s State) {
	t.status.State = s
	t.status.History = append(t.status.History, s)
	observability.RecordState(t.span, string(s))
	slog.DebugContext(ctx, "ingest state", "url", t.status.URL, "state", s)
}

func (t *tracker) warn(ctx context.Context, msg string) {
	t.status.Warnings = append(t.status.Warnings, msg)
	slog.WarnContext(ctx, "ingest degraded", "url", t.status.URL, "warning", msg)
}

func (t *tracker) fail(ctx context.Context, s State, err error) Status {
	t.enter(ctx, s)
	t.status.Reason = err.Error()
	observability.RecordError(t.span, err)
	slog.WarnContext(ctx, "ingest failed", "url", t.status.URL, "state", s, "error", err)
	return t.status
}

func (t *tracker) finish(ctx context.Context, searchable bool) Status {
	t.status.Searchable = searchable
	t.enter(ctx, StateStored)
	slog.InfoContext(ctx, "article stored", "url", t.status.URL, "id", t.status.ArticleID, "searchable", searchable)
	return t.status
}

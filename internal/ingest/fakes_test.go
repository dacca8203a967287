package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"newslens/internal/failure"
	"newslens/internal/news"
	"newslens/internal/vector"
)

type fakeExtractor struct {
	mu       sync.Mutex
	pages    map[string]news.Article
	errs     map[string]error
	delay    map[string]time.Duration
	calls    map[string]int
	inFlight int32
	maxSeen  int32
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		pages: make(map[string]news.Article),
		errs:  make(map[string]error),
		delay: make(map[string]time.Duration),
		calls: make(map[string]int),
	}
}

func (f *fakeExtractor) page(url, title, body string) *fakeExtractor {
	f.pages[url] = news.Article{URL: url, Title: title, Body: body, Source: "example.com"}
	return f
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (*news.Article, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxSeen)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxSeen, peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[url]++
	err := f.errs[url]
	page, found := f.pages[url]
	delay := f.delay[url]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, failure.Extraction("extract "+url, err)
	}
	if !found {
		return nil, failure.Extraction("extract "+url, errors.New("404 Not Found"))
	}
	return &page, nil
}

func (f *fakeExtractor) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, title, body string) (*news.Analysis, error) {
	args := m.Called(ctx, title, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*news.Analysis), args.Error(1)
}

// staticAnalyzer returns the same analysis for every article.
type staticAnalyzer struct {
	analysis news.Analysis
	err      error
}

func (s staticAnalyzer) Analyze(ctx context.Context, title, body string) (*news.Analysis, error) {
	if s.err != nil {
		return nil, s.err
	}
	a := s.analysis
	return &a, nil
}

// wordEmbedder hashes words into a small bag-of-words vector.
type wordEmbedder struct {
	err   error
	calls int32
}

const testDim = 32

func (w *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&w.calls, 1)
	if w.err != nil {
		return nil, failure.Embedding("embed", w.err)
	}
	vec := make([]float32, testDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%testDim]++
	}
	out, ok := vector.Normalize(vec)
	if !ok {
		return nil, failure.Embedding("embed", errors.New("zero vector"))
	}
	return out, nil
}

// fakeStore mimics the upsert semantics of the Postgres repo.
type fakeStore struct {
	mu    sync.Mutex
	rows  map[string]news.Article
	saves int
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]news.Article)}
}

func (s *fakeStore) Save(ctx context.Context, a *news.Article, analyzed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return failure.Store("save article", s.err)
	}

	row := *a
	row.Body = ""
	if prev, found := s.rows[a.ID]; found {
		row.CreatedAt = prev.CreatedAt
		if !analyzed {
			row.Summary = prev.Summary
			row.Topics = prev.Topics
		}
	} else {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = time.Now()
	s.rows[a.ID] = row
	a.Summary = row.Summary
	a.Topics = row.Topics
	a.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) get(id string) (news.Article, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.rows[id]
	return a, found
}

type failingIndex struct {
	*vector.MemoryIndex
	err error
}

func (f failingIndex) Upsert(ctx context.Context, rec vector.Record) error {
	return f.err
}

type ledgerEntry struct {
	url, stage, reason string
}

type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	cleared []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]ledgerEntry)}
}

func (l *fakeLedger) RecordFailure(ctx context.Context, url, stage, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[url] = ledgerEntry{url: url, stage: stage, reason: reason}
	return nil
}

func (l *fakeLedger) ClearFailure(ctx context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, url)
	l.cleared = append(l.cleared, url)
	return nil
}

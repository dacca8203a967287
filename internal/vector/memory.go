package vector

import (
	"context"
	"sort"
	"sync"

	"newslens/internal/failure"
)

// MemoryIndex is a brute-force in-process index for development and tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (m *MemoryIndex) EnsureSchema(ctx context.Context) error { return nil }

func (m *MemoryIndex) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Vector = append([]float32(nil), rec.Vector...)
	m.records[rec.ArticleID] = rec
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vec []float32, limit int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.records))
	for _, rec := range m.records {
		r := rec
		r.Vector = nil
		matches = append(matches, Match{Record: r, Score: Cosine(vec, rec.Vector)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ArticleID < matches[j].ArticleID
		}
		return matches[i].Score > matches[j].Score
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *MemoryIndex) Vector(ctx context.Context, articleID string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[articleID]
	if !ok {
		return nil, failure.NotFound("vector "+articleID, nil)
	}
	return append([]float32(nil), rec.Vector...), nil
}

func (m *MemoryIndex) Dimension(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		return len(rec.Vector), nil
	}
	return 0, nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

var _ Index = (*MemoryIndex)(nil)

package ingest

import (
	"newslens/internal/news"
)

type State string

const (
	StateReceived         State = "received"
	StateExtracting       State = "extracting"
	StateExtracted        State = "extracted"
	StateAnalyzing        State = "analyzing"
	StateAnalyzed         State = "analyzed"
	StateAnalyzedPartial  State = "analyzed_partial"
	StateEmbedding        State = "embedding"
	StateEmbedded         State = "embedded"
	StatePersisting       State = "persisting"
	StateStored           State = "stored"
	StateExtractionFailed State = "extraction_failed"
	StateEmbeddingFailed  State = "embedding_failed"
	StateStoreFailed      State = "store_failed"
)

// Failed reports whether s is a terminal failure state.
func (s State) Failed() bool {
	switch s {
	case StateExtractionFailed, StateEmbeddingFailed, StateStoreFailed:
		return true
	}
	return false
}

// stage names the pipeline step a failure state belongs to.
func (s State) stage() string {
	switch s {
	case StateExtractionFailed:
		return "extract"
	case StateEmbeddingFailed:
		return "embed"
	case StateStoreFailed:
		return "persist"
	}
	return ""
}

type Mode string

const (
	ModeExtract Mode = "extract"
	ModeAnalyze Mode = "analyze"
	ModeStore   Mode = "store"
)

// Status is the outcome of one URL. History lists every state entered, in order.
type Status struct {
	URL        string        `json:"url"`
	ArticleID  string        `json:"article_id,omitempty"`
	State      State         `json:"state"`
	Reason     string        `json:"reason,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Searchable bool          `json:"searchable"`
	History    []State       `json:"history"`
	Article    *news.Article `json:"article,omitempty"`
}

// Persisted reports whether the article's metadata row was written.
func (s Status) Persisted() bool {
	return s.State == StateStored || s.State == StateEmbeddingFailed
}

type BatchResult struct {
	Stored  []string `json:"stored"`
	Failed  []Status `json:"failed"`
	Results []Status `json:"results"`
}

func newBatchResult(results []Status) BatchResult {
	res := BatchResult{Stored: []string{}, Failed: []Status{}, Results: results}
	for _, st := range results {
		if st.Persisted() {
			res.Stored = append(res.Stored, st.ArticleID)
		}
		if st.State.Failed() {
			res.Failed = append(res.Failed, st)
		}
	}
	return res
}

// Articles returns the articles carried by successful extract or analyze results.
// Partial returns the statuses of URLs that finished with warnings, such as a
// failed analysis, without their article payload.
func (b BatchResult) Partial() []Status {
	out := []Status{}
	for _, st := range b.Results {
		if st.State.Failed() || len(st.Warnings) == 0 {
			continue
		}
		st.Article = nil
		out = append(out, st)
	}
	return out
}

func (b BatchResult) Articles() []news.Article {
	out := []news.Article{}
	for _, st := range b.Results {
		if st.Article != nil && !st.State.Failed() {
			out = append(out, *st.Article)
		}
	}
	return out
}

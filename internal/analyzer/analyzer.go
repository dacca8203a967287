// Package analyzer turns article text into a summary and topic labels, and
// expands short search queries, using a language-model backend.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"newslens/internal/failure"
	"newslens/internal/llm"
	"newslens/internal/news"
)

var (
	ErrMissingSummary = errors.New("response has no summary")
	ErrTopicsNotList  = errors.New("topics is not a list of strings")
	ErrEmptyQuery     = errors.New("enhanced query is empty")
)

const analyzePrompt = `You are a news analyst. Read the article below and respond with a JSON object
with exactly two fields:
  "summary": a concise summary of the article in 3-5 sentences,
  "topics": a list of 3-7 main topics, each 1-3 words long.

Title: %s

Article:
%s

JSON:`

const enhancePrompt = `Original search query: %s

Task: Enhance this search query for finding news articles. Identify the key concepts, add relevant synonyms or related terms, and rewrite it to maximize semantic search effectiveness.

Enhanced query:`

type Config struct {
	MaxChars    int
	MaxTopics   int
	Temperature float32
	NumPredict  int
	TopP        float32
	Timeout     time.Duration
}

type Analyzer struct {
	gen llm.Generator
	cfg Config
}

func New(gen llm.Generator, cfg Config) *Analyzer {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 4000
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = 7
	}
	return &Analyzer{gen: gen, cfg: cfg}
}

// Analyze summarizes the article body and extracts topic labels. The body is cut
// to the configured character budget before prompting.
func (a *Analyzer) Analyze(ctx context.Context, title, body string) (*news.Analysis, error) {
	prompt := fmt.Sprintf(analyzePrompt, title, news.Truncate(body, a.cfg.MaxChars))

	out, err := a.generate(ctx, prompt, llm.Options{
		Temperature: a.cfg.Temperature,
		NumPredict:  a.cfg.NumPredict,
		TopP:        a.cfg.TopP,
		JSON:        true,
	})
	if err != nil {
		return nil, failure.AnalyzerUnavailable("analyze", err)
	}

	analysis, err := parseAnalysis(out, a.cfg.MaxTopics)
	if err != nil {
		slog.WarnContext(ctx, "unparseable analysis output", "error", err, "output", news.Truncate(out, 200))
		return nil, failure.AnalyzerResponse("analyze", err)
	}
	return analysis, nil
}

// EnhanceQuery rewrites a search query with related terms.
func (a *Analyzer) EnhanceQuery(ctx context.Context, query string) (string, error) {
	out, err := a.generate(ctx, fmt.Sprintf(enhancePrompt, query), llm.Options{
		Temperature: 0,
		NumPredict:  256,
		TopP:        a.cfg.TopP,
	})
	if err != nil {
		return "", failure.AnalyzerUnavailable("enhance query", err)
	}

	enhanced := cleanEnhanced(out)
	if enhanced == "" {
		return "", failure.AnalyzerResponse("enhance query", ErrEmptyQuery)
	}
	return enhanced, nil
}

func (a *Analyzer) generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	return a.gen.Generate(ctx, prompt, opts)
}

func parseAnalysis(out string, maxTopics int) (*news.Analysis, error) {
	var raw struct {
		Summary json.RawMessage `json:"summary"`
		Topics  json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &raw); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}

	var summary string
	if len(raw.Summary) == 0 || json.Unmarshal(raw.Summary, &summary) != nil || strings.TrimSpace(summary) == "" {
		return nil, ErrMissingSummary
	}

	var topics []string
	if len(raw.Topics) > 0 && string(raw.Topics) != "null" {
		if err := json.Unmarshal(raw.Topics, &topics); err != nil {
			return nil, ErrTopicsNotList
		}
	}

	return &news.Analysis{
		Summary: strings.TrimSpace(summary),
		Topics:  news.CleanTopics(topics, maxTopics),
	}, nil
}

// extractJSON returns the outermost {...} span, tolerating prose or code fences
// around the object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func cleanEnhanced(out string) string {
	s := strings.TrimSpace(out)
	if idx := strings.Index(s, "\n\n"); idx > 0 {
		s = s[:idx]
	}
	lower := strings.ToLower(s)
	for _, label := range []string{"enhanced query:", "enhanced search query:"} {
		if strings.HasPrefix(lower, label) {
			s = s[len(label):]
			break
		}
	}
	return strings.Trim(strings.TrimSpace(s), "\"")
}

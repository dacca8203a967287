package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"newslens/internal/failure"
)

const (
	ProviderNone   = "none"
	ProviderJina   = "jina"
	ProviderCohere = "cohere"

	MaxTopK = 100
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the search knobs operators can change at runtime.
type Settings struct {
	ID              int     `json:"-"`
	RerankProvider  string  `json:"rerank_provider"`
	RerankAPIKey    string  `json:"rerank_api_key"`
	SearchTopK      int     `json:"search_top_k"`
	ScoreThreshold  float32 `json:"score_threshold"`
	KeywordFallback bool    `json:"keyword_fallback"`
}

// Defaults mirror the seeded settings row.
func Defaults() *Settings {
	return &Settings{ID: 1, RerankProvider: ProviderNone, SearchTopK: 5}
}

func (s *Settings) Validate() error {
	switch s.RerankProvider {
	case "", ProviderNone, ProviderJina, ProviderCohere:
	default:
		return fmt.Errorf("%w: unknown rerank_provider %q", ErrInvalidSettings, s.RerankProvider)
	}
	if s.SearchTopK < 1 || s.SearchTopK > MaxTopK {
		return fmt.Errorf("%w: search_top_k must be between 1 and %d", ErrInvalidSettings, MaxTopK)
	}
	if s.ScoreThreshold < 0 || s.ScoreThreshold > 1 {
		return fmt.Errorf("%w: score_threshold must be between 0 and 1", ErrInvalidSettings)
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

// Effective returns the stored settings, or the defaults when they cannot be read.
func (s *Service) Effective(ctx context.Context) *Settings {
	set, err := s.repo.Get(ctx)
	if err != nil || set == nil {
		slog.WarnContext(ctx, "using default settings", "error", err)
		return Defaults()
	}
	return set
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.RerankProvider == "" {
		set.RerankProvider = ProviderNone
	}
	if err := set.Validate(); err != nil {
		return failure.Invalid("update settings", err)
	}
	return s.repo.Update(ctx, set)
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"newslens/internal/adapter/gemini"
	"newslens/internal/adapter/ollama"
	"newslens/internal/adapter/pgvector"
	"newslens/internal/adapter/qdrant"
	wstore "newslens/internal/adapter/weaviate"
	"newslens/internal/config"
	"newslens/internal/llm"
	"newslens/internal/vector"
)

type Dependencies struct {
	DB          *sql.DB
	Index       vector.Index
	NSQProducer *nsq.Producer
	Generator   llm.Generator
	Embedder    llm.Embedder

	closers []io.Closer
}

// Close releases every connection opened by Bootstrap.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			slog.Warn("failed to close dependency", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := cfg.BootstrapRetryDelay()

	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = withRetry(ctx, cfg.BootstrapRetryAttempts, retryDelay, func() error {
		if err := db.PingContext(ctx); err != nil {
			slog.Warn("failed to ping db, retrying...", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	deps := &Dependencies{DB: db}
	fail := func(err error) (*Dependencies, error) {
		deps.Close()
		return nil, err
	}

	// Migrations
	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		return fail(err)
	}

	// Vector index
	idx, closer, err := NewIndex(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("vector index error: %w", err))
	}
	deps.Index = idx
	if closer != nil {
		deps.closers = append(deps.closers, closer)
	}

	if err := EnsureSchemaWithRetry(ctx, idx, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return fail(fmt.Errorf("vector schema error: %w", err))
	}
	if err := vector.CheckDimension(ctx, idx, cfg.EmbeddingDimension); err != nil {
		return fail(err)
	}

	// Model backends
	gen, emb, closers, err := NewModels(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("model backend error: %w", err))
	}
	deps.Generator, deps.Embedder = gen, emb
	deps.closers = append(deps.closers, closers...)

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return fail(fmt.Errorf("nsq producer error: %w", err))
	}
	producer.SetLogger(nil, nsq.LogLevelError)
	deps.NSQProducer = producer

	if cfg.NSQDHTTP != "" {
		go createTopics(ctx, cfg.NSQDHTTP, cfg.BootstrapRetryAttempts, retryDelay)
	}

	return deps, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// NewIndex builds the configured vector backend. The closer is nil for
// backends that hold no connection.
func NewIndex(ctx context.Context, cfg *config.Config) (vector.Index, io.Closer, error) {
	switch cfg.VectorBackend {
	case config.BackendWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, nil, err
		}
		return wstore.NewStore(client, cfg.WeaviateClass), nil, nil
	case config.BackendQdrant:
		store, err := qdrant.NewStore(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, cfg.EmbeddingDimension)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendPgVector:
		store, err := pgvector.Open(ctx, cfg.PgxURL(), cfg.EmbeddingDimension)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendMemory:
		slog.Warn("using in-memory vector index; vectors are lost on restart")
		return vector.NewMemoryIndex(), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: VECTOR_BACKEND %q", config.ErrInvalid, cfg.VectorBackend)
	}
}

// NewModels builds the text generator and the embedding backend for the
// configured providers.
func NewModels(ctx context.Context, cfg *config.Config) (llm.Generator, llm.Embedder, []io.Closer, error) {
	var (
		gen     llm.Generator
		emb     llm.Embedder
		closers []io.Closer
		local   *ollama.Client
	)

	ollamaClient := func() *ollama.Client {
		if local == nil {
			local = ollama.NewClient(cfg.OllamaURL, cfg.LLMModel, cfg.EmbedModel, cfg.LLMTimeout())
		}
		return local
	}

	switch cfg.LLMProvider {
	case config.ProviderGemini:
		g, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, nil, err
		}
		gen = g
		closers = append(closers, g)
	default:
		gen = ollamaClient()
	}

	switch cfg.EmbedProvider {
	case config.ProviderGemini:
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.GeminiEmbedModel)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, nil, err
		}
		emb = e
		closers = append(closers, e)
	default:
		emb = ollamaClient()
	}

	slog.Info("model backends ready", "llm", cfg.LLMProvider, "embed", cfg.EmbedProvider)
	return gen, emb, closers, nil
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemaWithRetry calls EnsureSchema up to attempts times, waiting delay
// between calls.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, func() error {
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Warn("failed to ensure vector schema, retrying...", "error", err)
			return err
		}
		return nil
	})
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// createTopics pre-creates the ingestion topic so consumers polling lookupd
// find it before the first publish.
func createTopics(ctx context.Context, nsqdHTTP string, attempts int, delay time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, config.TopicIngestArticle)

	err := withRetry(ctx, attempts, delay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("nsqd returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		slog.Warn("failed to create NSQ topic", "topic", config.TopicIngestArticle, "error", err)
		return
	}
	slog.Info("NSQ topic ready", "topic", config.TopicIngestArticle)
}

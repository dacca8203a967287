// Package app wires the repositories, the ingestion pipeline and the search
// service into the HTTP API and the NSQ ingestion worker.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"newslens/features/article"
	ingesthttp "newslens/features/ingest"
	"newslens/features/job"
	"newslens/features/mcp"
	"newslens/features/search"
	"newslens/features/stats"
	"newslens/internal/adapter/extractor"
	"newslens/internal/adapter/ollama"
	"newslens/internal/adapter/reranker"
	"newslens/internal/analyzer"
	"newslens/internal/config"
	"newslens/internal/embedding"
	"newslens/internal/ingest"
	"newslens/internal/llm"
	"newslens/internal/middleware"
	"newslens/internal/retrieval"
	"newslens/internal/settings"
	"newslens/internal/vector"
	"newslens/internal/worker"
)

var ErrQueueUnavailable = errors.New("ingestion queue is not configured")

// Options overrides the model backends and the page extractor. Nil fields
// fall back to the configured providers.
type Options struct {
	Generator llm.Generator
	Embedder  llm.Embedder
	Extractor ingest.Extractor
}

type App struct {
	Handler        http.Handler
	Pipeline       *ingest.Pipeline
	Retrieval      *retrieval.Service
	IngestConsumer *worker.IngestConsumer

	cfg      *config.Config
	queryLog *retrieval.QueryLogger
}

// New builds the application. pub may be nil, in which case async ingestion
// and job retries report the queue as unavailable.
func New(
	cfg *config.Config,
	db *sql.DB,
	idx vector.Index,
	pub worker.Publisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	if idx == nil {
		return nil, errors.New("vector index is required")
	}

	gen, emb := opts.Generator, opts.Embedder
	if gen == nil || emb == nil {
		local := ollama.NewClient(cfg.OllamaURL, cfg.LLMModel, cfg.EmbedModel, cfg.LLMTimeout())
		if gen == nil {
			gen = local
		}
		if emb == nil {
			emb = local
		}
	}

	ex := opts.Extractor
	if ex == nil {
		ex = extractor.New(extractor.Config{
			Timeout:   cfg.ExtractTimeout(),
			MaxBytes:  cfg.ExtractMaxBytes,
			UserAgent: cfg.ExtractUserAgent,
		})
	}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	seedRerankSettings(context.Background(), cfg, settingsService)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Job
	jobPub := pub
	if jobPub == nil {
		jobPub = unavailablePublisher{}
	}
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, jobPub, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Article
	articleRepo := article.NewPostgresRepo(db)
	articleHandler := article.NewHandler(articleRepo)

	// Ingestion
	an := analyzer.New(gen, analyzer.Config{
		MaxChars:    cfg.AnalyzeMaxChars,
		MaxTopics:   cfg.MaxTopics,
		Temperature: cfg.LLMTemperature,
		NumPredict:  cfg.LLMNumPredict,
		TopP:        cfg.LLMTopP,
		Timeout:     cfg.LLMTimeout(),
	})
	embedder := embedding.New(emb, cfg.EmbeddingDimension, cfg.EmbedMaxChars, cfg.EmbedTimeout())

	pipeline := ingest.New(ex, an, embedder, articleRepo, idx, ingest.Config{
		Concurrency:     cfg.IngestConcurrency,
		RetryAttempts:   cfg.StageRetryAttempts,
		StoreTimeout:    cfg.StoreTimeout(),
		IndexUnanalyzed: cfg.IndexUnanalyzed,
		IndexName:       cfg.VectorBackend,
	}).WithFailureRecorder(jobService)
	ingestHandler := ingesthttp.NewHandler(pipeline, pub, cfg.MaxBatchURLs)

	// Feature: Stats
	statsHandler := stats.NewHandler(articleRepo, jobRepo, idx)

	// Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	rerankerClient := reranker.NewDynamicClient(settingsService)
	retrievalService := retrieval.NewService(an, embedder, idx, articleRepo, rerankerClient, settingsService, queryLogger)
	searchHandler := search.NewHandler(retrievalService)

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /extract", middleware.API(ingestHandler.Extract))
	mux.Handle("POST /analyze", middleware.API(ingestHandler.Analyze))
	mux.Handle("POST /store", middleware.API(ingestHandler.Store))
	mux.Handle("POST /store/async", middleware.API(ingestHandler.StoreAsync))

	mux.Handle("POST /search", middleware.API(searchHandler.Search))
	mux.Handle("GET /topics", middleware.API(searchHandler.Topics))
	mux.Handle("GET /articles/similar/{id}", middleware.API(searchHandler.Similar))

	mux.Handle("GET /articles", middleware.API(articleHandler.ByIDs))
	mux.Handle("GET /articles/{id}", middleware.API(articleHandler.Get))
	mux.Handle("GET /articles/by-topic/{topic}", middleware.API(articleHandler.ByTopic))

	mux.Handle("GET /settings", middleware.API(settingsHandler.GetSettings))
	mux.Handle("PUT /settings", middleware.API(settingsHandler.UpdateSettings))

	mux.Handle("GET /jobs/failed", middleware.API(jobHandler.List))
	mux.Handle("POST /jobs/{id}/retry", middleware.API(jobHandler.Retry))

	mux.Handle("GET /stats", middleware.API(statsHandler.GetStats))

	mcpHandler := mcp.NewHandler(retrievalService, articleRepo)
	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", middleware.API(mcpHandler.HandleSSE))
	mux.Handle("POST /mcp/messages", middleware.API(mcpHandler.HandleMessage))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	maxAttempts := cfg.IngestMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}

	return &App{
		Handler:        mux,
		Pipeline:       pipeline,
		Retrieval:      retrievalService,
		IngestConsumer: worker.NewIngestConsumer(pipeline, maxAttempts),
		cfg:            cfg,
		queryLog:       queryLogger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	port := a.cfg.ServerPort
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	defer func() {
		if err := a.queryLog.Close(); err != nil {
			slog.Warn("failed to close query log", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartIngestWorker subscribes the ingestion consumer to the article topic.
// The caller stops the returned consumer on shutdown.
func (a *App) StartIngestWorker() (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxAttempts = a.cfg.IngestMaxAttempts
	nsqCfg.MaxInFlight = max(a.cfg.IngestConcurrency, 1)

	consumer, err := nsq.NewConsumer(config.TopicIngestArticle, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("create ingest consumer: %w", err)
	}
	consumer.SetLogger(nil, nsq.LogLevelError)
	consumer.AddConcurrentHandlers(a.IngestConsumer, nsqCfg.MaxInFlight)

	if a.cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(a.cfg.NSQDHost)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect ingest consumer: %w", err)
	}

	slog.Info("ingest worker connected", "topic", config.TopicIngestArticle, "channel", config.ChannelIngestWorker)
	return consumer, nil
}

// seedRerankSettings copies the reranker from the environment into the stored
// settings when none is configured there yet.
func seedRerankSettings(ctx context.Context, cfg *config.Config, svc *settings.Service) {
	if cfg.RerankProvider == "" || cfg.RerankAPIKey == "" {
		return
	}

	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.RerankAPIKey != "" {
		return
	}

	set.RerankProvider = cfg.RerankProvider
	set.RerankAPIKey = cfg.RerankAPIKey
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed reranker settings", "error", err)
		return
	}
	slog.Info("seeded reranker settings from environment", "provider", cfg.RerankProvider)
}

type unavailablePublisher struct{}

func (unavailablePublisher) Publish(topic string, body []byte) error {
	return ErrQueueUnavailable
}

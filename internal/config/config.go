package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	BackendWeaviate = "weaviate"
	BackendQdrant   = "qdrant"
	BackendPgVector = "pgvector"
	BackendMemory   = "memory"

	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"newslens"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"newslens"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Vector index
	VectorBackend    string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	WeaviateHost     string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme   string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass    string `envconfig:"WEAVIATE_CLASS" default:"NewsArticle"`
	QdrantHost       string `envconfig:"QDRANT_HOST" default:"qdrant"`
	QdrantPort       int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantCollection string `envconfig:"QDRANT_COLLECTION" default:"news_articles"`

	// Language model
	LLMProvider       string  `envconfig:"LLM_PROVIDER" default:"ollama"`
	OllamaURL         string  `envconfig:"OLLAMA_URL" default:"http://ollama:11434"`
	LLMModel          string  `envconfig:"LLM_MODEL" default:"llama3"`
	LLMTemperature    float32 `envconfig:"LLM_TEMPERATURE" default:"0.1"`
	LLMNumPredict     int     `envconfig:"LLM_NUM_PREDICT" default:"1024"`
	LLMTopP           float32 `envconfig:"LLM_TOP_P" default:"0.9"`
	LLMTimeoutSeconds int     `envconfig:"LLM_TIMEOUT_SECONDS" default:"120"`

	// Embeddings
	EmbedProvider       string `envconfig:"EMBED_PROVIDER" default:"ollama"`
	EmbedModel          string `envconfig:"EMBED_MODEL" default:"nomic-embed-text"`
	EmbeddingDimension  int    `envconfig:"EMBEDDING_DIMENSION" default:"768"`
	EmbedTimeoutSeconds int    `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`

	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	GeminiEmbedModel string `envconfig:"GEMINI_EMBED_MODEL" default:"gemini-embedding-001"`

	// Extraction and analysis limits
	ExtractTimeoutSeconds int    `envconfig:"EXTRACT_TIMEOUT_SECONDS" default:"20"`
	ExtractMaxBytes       int64  `envconfig:"EXTRACT_MAX_BYTES" default:"5242880"` // 5MB
	ExtractUserAgent      string `envconfig:"EXTRACT_USER_AGENT" default:"newslens/1.0 (+https://github.com/newslens)"`
	AnalyzeMaxChars       int    `envconfig:"ANALYZE_MAX_CHARS" default:"4000"`
	EmbedMaxChars         int    `envconfig:"EMBED_MAX_CHARS" default:"8000"`
	MaxTopics             int    `envconfig:"MAX_TOPICS" default:"7"`

	// Ingestion
	IngestConcurrency   int  `envconfig:"INGEST_CONCURRENCY" default:"4"`
	MaxBatchURLs        int  `envconfig:"MAX_BATCH_URLS" default:"50"`
	StageRetryAttempts  int  `envconfig:"STAGE_RETRY_ATTEMPTS" default:"0"`
	StoreTimeoutSeconds int  `envconfig:"STORE_TIMEOUT_SECONDS" default:"10"`
	IndexUnanalyzed     bool `envconfig:"INDEX_UNANALYZED" default:"true"`

	NSQLookupd         string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost           string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP           string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EnableIngestWorker bool   `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	IngestMaxAttempts  uint16 `envconfig:"INGEST_MAX_ATTEMPTS" default:"5"`

	// Seeded into settings on startup when the stored settings have no key.
	RerankProvider string `envconfig:"RERANK_PROVIDER"`
	RerankAPIKey   string `envconfig:"RERANK_API_KEY"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"newslens"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.VectorBackend {
	case BackendWeaviate, BackendQdrant, BackendPgVector, BackendMemory:
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}

	for key, provider := range map[string]string{"LLM_PROVIDER": c.LLMProvider, "EMBED_PROVIDER": c.EmbedProvider} {
		switch provider {
		case ProviderOllama:
		case ProviderGemini:
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("%w: GEMINI_API_KEY (required by %s)", ErrMissingRequired, key)
			}
		default:
			return fmt.Errorf("%w: %s %q", ErrInvalid, key, provider)
		}
	}

	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION must be positive", ErrInvalid)
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("%w: INGEST_CONCURRENCY must be at least 1", ErrInvalid)
	}
	if c.StageRetryAttempts < 0 {
		return fmt.Errorf("%w: STAGE_RETRY_ATTEMPTS must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// PgxURL is the URL form of the database address used by the pgx driver.
func (c *Config) PgxURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) ExtractTimeout() time.Duration { return seconds(c.ExtractTimeoutSeconds) }
func (c *Config) LLMTimeout() time.Duration     { return seconds(c.LLMTimeoutSeconds) }
func (c *Config) EmbedTimeout() time.Duration   { return seconds(c.EmbedTimeoutSeconds) }
func (c *Config) StoreTimeout() time.Duration   { return seconds(c.StoreTimeoutSeconds) }
func (c *Config) BootstrapRetryDelay() time.Duration {
	return seconds(c.BootstrapRetryDelaySeconds)
}

package retrieval

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QueryLogEntry is one line of the query log. Operation is search, similar or topics.
type QueryLogEntry struct {
	Timestamp       time.Time     `json:"timestamp"`
	Operation       string        `json:"operation"`
	Query           string        `json:"query"`
	EnhancedQuery   string        `json:"enhanced_query,omitempty"`
	KeywordFallback bool          `json:"keyword_fallback,omitempty"`
	NumResults      int           `json:"num_results"`
	Duration        time.Duration `json:"duration_ns"`
	LatencyMs       int64         `json:"latency_ms"`
	CorrelationID   string        `json:"correlation_id"`
}

// QueryLogger appends one JSON line per query. Safe for concurrent use.
type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w)}
}

// NewFileQueryLogger opens path for appending, creating parent directories.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(f)
	l.closer = f
	return l, nil
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.Error("failed to write query log entry", "error", err, "operation", entry.Operation)
	}
}

// Close releases the underlying file, if the logger owns one.
func (l *QueryLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closer.Close()
}

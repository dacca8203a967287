package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"newslens/internal/ingest"
	"newslens/internal/middleware"
)

var ErrStoreUnavailable = errors.New("metadata store unavailable, requeueing")

type Processor interface {
	Process(ctx context.Context, rawURL string, mode ingest.Mode) ingest.Status
}

// IngestConsumer runs the full pipeline for each queued URL. Per-URL failures
// are left to the failure ledger; only store failures are requeued.
type IngestConsumer struct {
	pipeline    Processor
	maxAttempts uint16
}

func NewIngestConsumer(p Processor, maxAttempts uint16) *IngestConsumer {
	return &IngestConsumer{pipeline: p, maxAttempts: maxAttempts}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var msg IngestMessage
	err := json.Unmarshal(m.Body, &msg)

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid message format", "error", err)
		return nil // Don't retry invalid messages
	}
	if msg.URL == "" {
		slog.ErrorContext(ctx, "missing url, dropping message")
		return nil
	}

	st := h.pipeline.Process(ctx, msg.URL, ingest.ModeStore)
	slog.InfoContext(ctx, "queued ingest finished", "url", msg.URL, "state", st.State, "attempt", m.Attempts)

	if st.State == ingest.StateStoreFailed && m.Attempts < h.maxAttempts {
		return ErrStoreUnavailable
	}
	return nil
}

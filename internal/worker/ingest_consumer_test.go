package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"newslens/internal/config"
	"newslens/internal/ingest"
	"newslens/internal/middleware"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, rawURL string, mode ingest.Mode) ingest.Status {
	args := m.Called(ctx, rawURL, mode)
	return args.Get(0).(ingest.Status)
}

func message(t *testing.T, v interface{}, attempts uint16) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	m := nsq.NewMessage(nsq.MessageID{}, body)
	m.Attempts = attempts
	return m
}

func TestIngestConsumer_HandleMessage(t *testing.T) {
	p := new(MockProcessor)
	p.On("Process", mock.MatchedBy(func(ctx context.Context) bool {
		return middleware.GetCorrelationID(ctx) == "cid-1"
	}), "https://example.com/a", ingest.ModeStore).Return(ingest.Status{State: ingest.StateStored})

	err := NewIngestConsumer(p, 5).HandleMessage(message(t, IngestMessage{URL: "https://example.com/a", CorrelationID: "cid-1"}, 1))

	assert.NoError(t, err)
	p.AssertExpectations(t)
}

func TestIngestConsumer_GeneratesCorrelationID(t *testing.T) {
	p := new(MockProcessor)
	p.On("Process", mock.MatchedBy(func(ctx context.Context) bool {
		id := middleware.GetCorrelationID(ctx)
		return id != "" && id != "unknown"
	}), "https://example.com/a", ingest.ModeStore).Return(ingest.Status{State: ingest.StateStored})

	assert.NoError(t, NewIngestConsumer(p, 5).HandleMessage(message(t, IngestMessage{URL: "https://example.com/a"}, 1)))
	p.AssertExpectations(t)
}

func TestIngestConsumer_DropsPoisonPills(t *testing.T) {
	p := new(MockProcessor)
	c := NewIngestConsumer(p, 5)

	assert.NoError(t, c.HandleMessage(nsq.NewMessage(nsq.MessageID{}, nil)))
	assert.NoError(t, c.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("{not json"))))
	assert.NoError(t, c.HandleMessage(message(t, IngestMessage{}, 1)))
	p.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestConsumer_RequeuesStoreFailures(t *testing.T) {
	tests := []struct {
		name     string
		state    ingest.State
		attempts uint16
		wantErr  bool
	}{
		{"store failure requeued", ingest.StateStoreFailed, 1, true},
		{"store failure gives up", ingest.StateStoreFailed, 5, false},
		{"extraction failure not requeued", ingest.StateExtractionFailed, 1, false},
		{"embedding failure not requeued", ingest.StateEmbeddingFailed, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(MockProcessor)
			p.On("Process", mock.Anything, mock.Anything, ingest.ModeStore).Return(ingest.Status{State: tt.state})

			err := NewIngestConsumer(p, 5).HandleMessage(message(t, IngestMessage{URL: "https://example.com/a"}, tt.attempts))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStoreUnavailable)
				return
			}
			assert.NoError(t, err)
		})
	}
}

type recordingPublisher struct {
	topics []string
	bodies [][]byte
	err    error
}

func (r *recordingPublisher) Publish(topic string, body []byte) error {
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.bodies = append(r.bodies, body)
	return nil
}

func TestEnqueue(t *testing.T) {
	pub := &recordingPublisher{}

	accepted, rejected := Enqueue(pub, []string{
		"https://example.com/a/",
		"https://example.com/a?utm_source=x",
		"mailto:someone@example.com",
		"https://example.com/b",
	}, "cid-9")

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, "mailto:someone@example.com", rejected[0].URL)

	require.Len(t, pub.bodies, 2)
	assert.Equal(t, config.TopicIngestArticle, pub.topics[0])
	var msg IngestMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "https://example.com/a", msg.URL)
	assert.Equal(t, "cid-9", msg.CorrelationID)
}

func TestEnqueue_PublishFailure(t *testing.T) {
	accepted, rejected := Enqueue(&recordingPublisher{err: errors.New("nsqd down")}, []string{"https://example.com/a"}, "")

	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Reason, "nsqd down")
}

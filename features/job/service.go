package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"newslens/internal/config"
	"newslens/internal/middleware"
	"newslens/internal/worker"
)

const publishTimeout = 5 * time.Second

var ErrPublishTimeout = errors.New("timeout waiting for NSQ publish")

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo   Repository
	pub    EventPublisher
	logger *slog.Logger
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// RecordFailure stores the latest failure for a canonical URL together with a
// payload that re-enqueues it.
func (s *Service) RecordFailure(ctx context.Context, url, stage, reason string) error {
	payload, err := json.Marshal(worker.IngestMessage{
		URL:           url,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}

	j := &Job{
		URL:     url,
		Handler: config.TopicIngestArticle,
		Stage:   stage,
		Payload: payload,
		Error:   reason,
	}
	if err := s.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("record failed job: %w", err)
	}
	s.logger.InfoContext(ctx, "failed job recorded", "url", url, "stage", stage, "retries", j.Retries)
	return nil
}

// ClearFailure removes the ledger entry for a URL that has since been ingested.
func (s *Service) ClearFailure(ctx context.Context, url string) error {
	return s.repo.DeleteByURL(ctx, url)
}

// Retry re-publishes the job payload and removes it from the ledger.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var msg worker.IngestMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	if msg.URL == "" {
		msg.URL = job.URL
	}
	msg.Attempt = job.Retries + 1
	if cid := middleware.GetCorrelationID(ctx); cid != "unknown" {
		msg.CorrelationID = cid
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicIngestArticle, body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return ErrPublishTimeout
	}

	s.logger.InfoContext(ctx, "job retried", "id", id, "url", msg.URL, "attempt", msg.Attempt)
	return s.repo.Delete(ctx, id)
}

// Package worker consumes ingestion requests from NSQ and publishes them.
package worker

import (
	"encoding/json"

	"newslens/internal/config"
	"newslens/internal/news"
)

// IngestMessage is the body published on config.TopicIngestArticle.
type IngestMessage struct {
	URL           string `json:"url"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Rejection explains why a URL was not enqueued.
type Rejection struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Enqueue publishes one message per distinct canonical URL. Invalid URLs and
// publish failures are returned as rejections; accepted holds the canonical URLs.
func Enqueue(pub Publisher, urls []string, correlationID string) (accepted []string, rejected []Rejection) {
	accepted, rejected = []string{}, []Rejection{}
	seen := make(map[string]bool, len(urls))

	for _, raw := range urls {
		canonical, err := news.Canonicalize(raw)
		if err != nil {
			rejected = append(rejected, Rejection{URL: raw, Reason: err.Error()})
			continue
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true

		body, err := json.Marshal(IngestMessage{URL: canonical, CorrelationID: correlationID})
		if err != nil {
			rejected = append(rejected, Rejection{URL: raw, Reason: err.Error()})
			continue
		}
		if err := pub.Publish(config.TopicIngestArticle, body); err != nil {
			rejected = append(rejected, Rejection{URL: raw, Reason: "publish failed: " + err.Error()})
			continue
		}
		accepted = append(accepted, canonical)
	}
	return accepted, rejected
}

package job

import (
	"encoding/json"
	"time"
)

// Job is the latest terminal ingestion failure for one canonical URL.
type Job struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Handler   string          `json:"handler"`
	Stage     string          `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}

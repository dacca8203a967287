package config

const (
	// TopicIngestArticle is the NSQ topic carrying single-URL ingestion requests.
	TopicIngestArticle = "ingest.article"

	// ChannelIngestWorker is the consumer channel of the ingestion worker.
	ChannelIngestWorker = "newslens"
)

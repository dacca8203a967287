package reranker

import (
	"context"
	"fmt"
	"sync"

	"newslens/internal/settings"
)

// DynamicClient picks the provider and key from the current settings on every
// call, reusing the underlying client while they stay the same.
type DynamicClient struct {
	settingsSvc *settings.Service

	mu       sync.Mutex
	client   *Client
	provider string
	apiKey   string
}

func NewDynamicClient(settingsSvc *settings.Service) *DynamicClient {
	return &DynamicClient{settingsSvc: settingsSvc}
}

func (d *DynamicClient) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	set, err := d.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if set.RerankProvider == "" || set.RerankProvider == settings.ProviderNone {
		return identity(len(docs)), nil
	}
	return d.getClient(set.RerankProvider, set.RerankAPIKey).Rerank(ctx, query, docs)
}

func (d *DynamicClient) getClient(provider, apiKey string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil || d.provider != provider || d.apiKey != apiKey {
		d.client = NewClient(provider, apiKey)
		d.provider = provider
		d.apiKey = apiKey
	}
	return d.client
}

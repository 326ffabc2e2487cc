package main

import (
	"context"
	"net/http"
	"sync"

	"opencollective/server/internal/broker"
	"opencollective/server/pkg/opencollectiveapi"
)

// clientCache hands every tool call the same client until the stored token
// is replaced by a new authorization.
type clientCache struct {
	broker     *broker.TokenBroker
	endpoint   string
	httpClient *http.Client

	mu     sync.Mutex
	client *opencollectiveapi.Client
}

func newClientCache(tb *broker.TokenBroker, endpoint string, httpClient *http.Client) *clientCache {
	return &clientCache{broker: tb, endpoint: endpoint, httpClient: httpClient}
}

// Get returns the cached client, loading the token from the store on first
// use. A missing token is returned as an error wrapping tokenstore.ErrNotFound.
func (c *clientCache) Get(ctx context.Context) (*opencollectiveapi.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	sess, err := c.broker.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	c.client = opencollectiveapi.NewClient(sess,
		opencollectiveapi.WithEndpoint(c.endpoint),
		opencollectiveapi.WithHTTPClient(c.httpClient),
	)
	return c.client, nil
}

// Reset drops the cached client so the next Get reloads the token.
func (c *clientCache) Reset() {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
}

package store

import (
	"context"
	"sync"

	"github.com/luciancaetano/roomlink"
)

// TokenCache is a read-through cache of the auth token in a credential store.
// Writes go to the store first and only then update the cache.
type TokenCache struct {
	store roomlink.CredentialStore

	mu     sync.Mutex
	token  string
	loaded bool
}

var _ roomlink.TokenSource = (*TokenCache)(nil)

// NewTokenCache wraps store.
func NewTokenCache(store roomlink.CredentialStore) *TokenCache {
	return &TokenCache{store: store}
}

// AuthToken returns the cached token, loading it from the store on first use.
func (c *TokenCache) AuthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.token, nil
	}
	token, err := c.store.AuthToken(ctx)
	if err != nil {
		return "", err
	}
	c.token, c.loaded = token, true
	return token, nil
}

// SetAuthToken persists token and caches it. An empty token clears both.
func (c *TokenCache) SetAuthToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetAuthToken(ctx, token); err != nil {
		c.loaded = false
		return err
	}
	c.token, c.loaded = token, true
	return nil
}

// Invalidate forces the next AuthToken to read the store.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token, c.loaded = "", false
}

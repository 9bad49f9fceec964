// Package cache keeps recent assessment results keyed by patient, snapshot version and model
// version so an unchanged snapshot scored by the same model is not re-assessed.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

const (
	defaultMaxItems = 1024
	defaultTTL      = 30 * time.Minute
)

// MemoryCache is an in-process expiring LRU.
type MemoryCache struct {
	lru *expirable.LRU[string, *domain.AssessmentResult]
	ttl time.Duration
}

// NewMemoryCache creates a cache holding at most maxItems results for ttl each.
// Zero values fall back to the defaults.
func NewMemoryCache(maxItems int, ttl time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, *domain.AssessmentResult](maxItems, nil, ttl),
		ttl: ttl,
	}
}

// Get returns a deep copy of the cached result.
func (c *MemoryCache) Get(_ context.Context, key string) (*domain.AssessmentResult, bool, error) {
	result, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return result.Clone(), true, nil
}

// Set stores a deep copy of result.
func (c *MemoryCache) Set(_ context.Context, key string, result *domain.AssessmentResult) error {
	if result == nil {
		return nil
	}
	c.lru.Add(key, result.Clone())
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *MemoryCache) Purge() {
	c.lru.Purge()
}

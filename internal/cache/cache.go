package cache

import (
	"context"
	"sync"
	"time"

	"kasirinaja/settlement/internal/domain"
)

// SummaryCache fronts saved daily summaries. A miss is (nil, false, nil).
type SummaryCache interface {
	Get(ctx context.Context, storeID string, date string) (*domain.DailySummary, bool, error)
	Set(ctx context.Context, summary domain.DailySummary, ttl time.Duration) error
	Invalidate(ctx context.Context, storeID string, date string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string, _ string) (*domain.DailySummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ domain.DailySummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}

// MemorySummaryCache ignores TTLs. It backs tests and single-process runs.
type MemorySummaryCache struct {
	mu      sync.RWMutex
	entries map[string]domain.DailySummary
}

func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{entries: make(map[string]domain.DailySummary)}
}

func (c *MemorySummaryCache) Get(_ context.Context, storeID string, date string) (*domain.DailySummary, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	summary, ok := c.entries[summaryKey(storeID, date)]
	if !ok {
		return nil, false, nil
	}
	return &summary, true, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, summary domain.DailySummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[summaryKey(summary.StoreID, summary.Date)] = summary
	return nil
}

func (c *MemorySummaryCache) Invalidate(_ context.Context, storeID string, date string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, summaryKey(storeID, date))
	return nil
}

func summaryKey(storeID string, date string) string {
	return "summary:daily:" + storeID + ":" + date
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/settlement/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisSummaryCache struct {
	client *redis.Client
}

func NewRedisSummaryCache(client *redis.Client) *RedisSummaryCache {
	return &RedisSummaryCache{client: client}
}

func (c *RedisSummaryCache) Get(ctx context.Context, storeID string, date string) (*domain.DailySummary, bool, error) {
	val, err := c.client.Get(ctx, summaryKey(storeID, date)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.DailySummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, summary domain.DailySummary, ttl time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(summary.StoreID, summary.Date), payload, ttl).Err()
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, storeID string, date string) error {
	return c.client.Del(ctx, summaryKey(storeID, date)).Err()
}

// sequenceTTL outlives the business day so late orders still see the key.
const sequenceTTL = 48 * time.Hour

// RedisSequencer hands out per-(store, business date) order sequence numbers
// with INCR, letting several API replicas share one counter.
type RedisSequencer struct {
	client *redis.Client
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) NextOrderNumber(ctx context.Context, storeID string, businessDate string) (int64, error) {
	key := sequenceKey(storeID, businessDate)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, sequenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("next order number %s: %w", key, err)
	}
	return incr.Val(), nil
}

func sequenceKey(storeID string, businessDate string) string {
	return "seq:order:" + storeID + ":" + businessDate
}

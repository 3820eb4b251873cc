package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

// SummaryCache keeps the collapsed current-bid-per-thread view of each ride
// in redis. The consumer process refreshes it from the bid-event stream; the
// API reads it with a ledger fallback, so a cold or stale cache only costs a
// query.
type SummaryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSummaryCache(addr, password, prefix string) *SummaryCache {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &SummaryCache{client: c, prefix: prefix, ttl: 30 * time.Second}
}

func (c *SummaryCache) Put(ctx context.Context, rideID string, sums []models.RideBidSummary) error {
	b, err := json.Marshal(sums)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(rideID), b, c.ttl).Err()
}

func (c *SummaryCache) Get(ctx context.Context, rideID string) ([]models.RideBidSummary, bool) {
	b, err := c.client.Get(ctx, c.key(rideID)).Bytes()
	if err != nil {
		return nil, false
	}
	var sums []models.RideBidSummary
	if err := json.Unmarshal(b, &sums); err != nil {
		return nil, false
	}
	return sums, true
}

func (c *SummaryCache) Invalidate(ctx context.Context, rideID string) error {
	return c.client.Del(ctx, c.key(rideID)).Err()
}

func (c *SummaryCache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *SummaryCache) Close() error { return c.client.Close() }

func (c *SummaryCache) key(rideID string) string { return c.prefix + ":summary:" + rideID }

package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
)

const (
	rateKeyPrefix  = "fx:rate:"
	defaultRateTTL = time.Hour
	scanBatch      = 200
)

// CachedRate is the stored form of a fetched rate.
type CachedRate struct {
	Rate      decimal.Decimal `json:"rate"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Stats summarises the rate cache.
type Stats struct {
	Total    int            `json:"total"`
	Valid    int            `json:"valid"`
	Expired  int            `json:"expired"`
	BySource map[Source]int `json:"by_source"`
}

// RateCache stores rates in Redis. Entries are kept for twice the TTL so a
// stale rate can still be served when every live fetch fails.
type RateCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRateCache builds the cache. A nil client disables caching.
func NewRateCache(client *redis.Client, ttl time.Duration) *RateCache {
	if ttl <= 0 {
		ttl = defaultRateTTL
	}
	return &RateCache{client: client, ttl: ttl, now: time.Now}
}

// WithClock overrides the cache clock for tests.
func (c *RateCache) WithClock(now func() time.Time) *RateCache {
	if now != nil {
		c.now = now
	}
	return c
}

// RateKey composes the cache key for a pair.
func RateKey(from, to money.Currency, source Source) string {
	return fmt.Sprintf("%s%s:%s:%s", rateKeyPrefix, from, to, source)
}

// Get returns the cached entry and whether it is still inside the TTL.
func (c *RateCache) Get(ctx context.Context, from, to money.Currency, source Source) (CachedRate, bool, error) {
	var entry CachedRate
	if c == nil || c.client == nil {
		return entry, false, redis.Nil
	}
	raw, err := c.client.Get(ctx, RateKey(from, to, source)).Bytes()
	if err != nil {
		return entry, false, err
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedRate{}, false, err
	}
	return entry, c.fresh(entry), nil
}

// Put stores a freshly fetched rate.
func (c *RateCache) Put(ctx context.Context, from, to money.Currency, source Source, rate decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(CachedRate{Rate: rate, Source: source, FetchedAt: c.now().UTC()})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, RateKey(from, to, source), raw, 2*c.ttl).Err()
}

// Stats scans every cached rate.
func (c *RateCache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BySource: map[Source]int{}}
	if c == nil || c.client == nil {
		return stats, nil
	}
	err := c.scan(ctx, func(keys []string) error {
		values, err := c.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, value := range values {
			s, ok := value.(string)
			if !ok {
				continue
			}
			var entry CachedRate
			if err := json.Unmarshal([]byte(s), &entry); err != nil {
				continue
			}
			stats.Total++
			stats.BySource[entry.Source]++
			if c.fresh(entry) {
				stats.Valid++
			} else {
				stats.Expired++
			}
		}
		return nil
	})
	return stats, err
}

// Clear removes every cached rate and reports how many keys were deleted.
func (c *RateCache) Clear(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	var removed int64
	err := c.scan(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		removed += n
		return err
	})
	return removed, err
}

func (c *RateCache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, rateKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *RateCache) fresh(entry CachedRate) bool {
	return c.now().Sub(entry.FetchedAt) < c.ttl
}

func isCacheMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

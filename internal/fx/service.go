package fx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/toothpick/billing/internal/money"
)

const ratesConcurrency = 4

// Converter resolves rates through the cache and the configured sources.
type Converter struct {
	fetchers map[Source]Fetcher
	cache    *RateCache
	def      Source
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// NewConverter wires the converter. def is used when a call names no source.
func NewConverter(fetchers map[Source]Fetcher, cache *RateCache, def Source, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if def == "" {
		def = SourceExchangeRateAPI
	}
	return &Converter{
		fetchers: fetchers,
		cache:    cache,
		def:      def,
		logger:   logger.With(slog.String("component", "fx")),
		now:      time.Now,
	}
}

// WithClock overrides the conversion timestamp source.
func (c *Converter) WithClock(now func() time.Time) *Converter {
	if now != nil {
		c.now = now
	}
	return c
}

// DefaultSource reports the source used when none is requested.
func (c *Converter) DefaultSource() Source {
	return c.def
}

// Rate returns how many units of to buy one unit of from.
func (c *Converter) Rate(ctx context.Context, from, to money.Currency, source Source) (decimal.Decimal, error) {
	if !from.Valid() || !to.Valid() {
		return decimal.Zero, money.ErrInvalidCurrency
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if source == "" {
		source = c.def
	}
	fetcher, ok := c.fetchers[source]
	if !ok {
		return decimal.Zero, fmt.Errorf("fx: source %q not configured", source)
	}

	cached, fresh, err := c.cache.Get(ctx, from, to, source)
	switch {
	case err == nil && fresh:
		return cached.Rate, nil
	case err != nil && !isCacheMiss(err):
		c.logger.Warn("rate cache read failed", slog.String("key", RateKey(from, to, source)), slog.Any("error", err))
	}
	stale := err == nil

	key := RateKey(from, to, source)
	value, err, _ := c.group.Do(key, func() (any, error) {
		rate, err := fetcher.Fetch(ctx, from, to)
		if err != nil {
			return nil, err
		}
		if !rate.IsPositive() {
			return nil, &MissingRateError{From: from, To: to, Source: source, Reason: "non-positive rate"}
		}
		if err := c.cache.Put(ctx, from, to, source, rate); err != nil {
			c.logger.Warn("rate cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return rate, nil
	})
	if err != nil {
		if stale {
			c.logger.Warn("serving stale rate", slog.String("key", key), slog.Time("fetched_at", cached.FetchedAt), slog.Any("error", err))
			return cached.Rate, nil
		}
		return decimal.Zero, err
	}
	return value.(decimal.Decimal), nil
}

// Convert converts amount and rounds the result to the target currency.
func (c *Converter) Convert(ctx context.Context, amount money.Amount, from, to money.Currency, source Source) (Conversion, error) {
	if source == "" {
		source = c.def
	}
	rate, err := c.Rate(ctx, from, to, source)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Amount:      money.Round(amount.Mul(rate), to),
		Original:    amount,
		From:        from,
		To:          to,
		Rate:        rate,
		Source:      source,
		ConvertedAt: c.now().UTC(),
	}, nil
}

// Rates fetches base against every target. A target that fails maps to zero.
func (c *Converter) Rates(ctx context.Context, base money.Currency, targets []money.Currency, source Source) map[money.Currency]decimal.Decimal {
	out := make(map[money.Currency]decimal.Decimal, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(ratesConcurrency)
	for _, target := range targets {
		g.Go(func() error {
			rate, err := c.Rate(ctx, base, target, source)
			if err != nil {
				c.logger.Warn("rate unavailable", slog.String("from", string(base)), slog.String("to", string(target)), slog.Any("error", err))
				rate = decimal.Zero
			}
			mu.Lock()
			out[target] = rate
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Historical returns the rate for a past date. No source exposes history
// uniformly so the current rate is used.
func (c *Converter) Historical(ctx context.Context, from, to money.Currency, date time.Time, source Source) (decimal.Decimal, error) {
	c.logger.Warn("historical rates unavailable, using current rate",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Time("date", date),
	)
	return c.Rate(ctx, from, to, source)
}

// CacheStats reports the state of the rate cache.
func (c *Converter) CacheStats(ctx context.Context) (Stats, error) {
	return c.cache.Stats(ctx)
}

// ClearCache drops every cached rate.
func (c *Converter) ClearCache(ctx context.Context) (int64, error) {
	removed, err := c.cache.Clear(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("rate cache cleared", slog.Int64("keys", removed))
	return removed, nil
}

package fx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
)

// RateProvider exposes rate lookup for validation.
type RateProvider interface {
	Rate(ctx context.Context, from, to money.Currency, source Source) (decimal.Decimal, error)
}

// Pair is an ordered currency pair.
type Pair struct {
	From money.Currency
	To   money.Currency
}

func (p Pair) String() string {
	return string(p.From) + string(p.To)
}

// ParsePair accepts "USDMXN", "USD/MXN" or "usd-mxn".
func ParsePair(raw string) (Pair, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.NewReplacer("/", "", "-", "", ":", "").Replace(cleaned)
	if len(cleaned) != 6 {
		return Pair{}, fmt.Errorf("fx: invalid pair %q", raw)
	}
	from, err := money.ParseCurrency(cleaned[:3])
	if err != nil {
		return Pair{}, fmt.Errorf("fx: invalid pair %q: %w", raw, err)
	}
	to, err := money.ParseCurrency(cleaned[3:])
	if err != nil {
		return Pair{}, fmt.Errorf("fx: invalid pair %q: %w", raw, err)
	}
	return Pair{From: from, To: to}, nil
}

// ParsePairs splits a comma separated list, skipping blanks.
func ParsePairs(raw string) ([]Pair, error) {
	var pairs []Pair
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pair, err := ParsePair(part)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Gap is a pair without a usable rate.
type Gap struct {
	Pair   string `json:"pair"`
	Reason string `json:"reason"`
}

// Result summarises the validation outcome.
type Result struct {
	Source    Source                     `json:"source"`
	Checked   int                        `json:"checked"`
	Gaps      []Gap                      `json:"gaps"`
	Available map[string]decimal.Decimal `json:"available"`
}

// Complete reports whether every pair resolved.
func (r Result) Complete() bool {
	return len(r.Gaps) == 0
}

// Validate ensures every pair has a positive rate from source.
func Validate(ctx context.Context, provider RateProvider, source Source, pairs []Pair) (Result, error) {
	res := Result{Source: source, Gaps: make([]Gap, 0), Available: map[string]decimal.Decimal{}}
	if provider == nil {
		return res, fmt.Errorf("fx: rate provider required")
	}
	unique := make(map[string]Pair, len(pairs))
	for _, pair := range pairs {
		unique[pair.String()] = pair
	}
	keys := make([]string, 0, len(unique))
	for key := range unique {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		pair := unique[key]
		res.Checked++
		rate, err := provider.Rate(ctx, pair.From, pair.To, source)
		if err != nil {
			res.Gaps = append(res.Gaps, Gap{Pair: key, Reason: err.Error()})
			continue
		}
		if !rate.IsPositive() {
			res.Gaps = append(res.Gaps, Gap{Pair: key, Reason: "non-positive rate"})
			continue
		}
		res.Available[key] = rate
	}
	return res, nil
}

// Package fx converts amounts between currencies using external rate sources
// backed by a shared Redis cache.
package fx

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
)

// Source names an exchange rate provider.
type Source string

const (
	// SourceExchangeRateAPI is exchangerate-api.com, the default source.
	SourceExchangeRateAPI Source = "exchangerate-api"
	// SourceFixer is fixer.io.
	SourceFixer Source = "fixer"
	// SourceCurrencyAPI is currencyapi.com.
	SourceCurrencyAPI Source = "currencyapi"
	// SourceBanxico is Banco de México SIE, MXN pairs only.
	SourceBanxico Source = "banxico"
)

// ParseSource validates a source name. Empty selects def.
func ParseSource(raw string, def Source) (Source, error) {
	if raw == "" {
		return def, nil
	}
	switch s := Source(raw); s {
	case SourceExchangeRateAPI, SourceFixer, SourceCurrencyAPI, SourceBanxico:
		return s, nil
	default:
		return "", fmt.Errorf("fx: unknown source %q", raw)
	}
}

// Fetcher retrieves a live rate for one pair from a single source.
type Fetcher interface {
	Fetch(ctx context.Context, from, to money.Currency) (decimal.Decimal, error)
}

// Conversion is the outcome of converting an amount.
type Conversion struct {
	Amount      money.Amount    `json:"amount"`
	Original    money.Amount    `json:"original_amount"`
	From        money.Currency  `json:"from"`
	To          money.Currency  `json:"to"`
	Rate        decimal.Decimal `json:"rate"`
	Source      Source          `json:"source"`
	ConvertedAt time.Time       `json:"converted_at"`
}

// MissingRateError is returned when a source cannot quote a pair.
type MissingRateError struct {
	From   money.Currency
	To     money.Currency
	Source Source
	Reason string
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("fx: no %s rate for %s->%s: %s", e.Source, e.From, e.To, e.Reason)
}

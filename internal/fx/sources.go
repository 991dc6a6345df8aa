package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
)

// Default API roots for the rate sources.
const (
	ExchangeRateAPIURL = "https://v6.exchangerate-api.com/v6"
	FixerURL           = "https://api.fixer.io/v1"
	CurrencyAPIURL     = "https://api.currencyapi.com/v3"
	BanxicoURL         = "https://www.banxico.org.mx/SieAPIRest/service/v1/series"
)

// ErrMissingAPIKey is returned by sources that cannot be queried anonymously.
var ErrMissingAPIKey = errors.New("fx: api key not configured")

var banxicoSeries = map[money.Currency]string{
	money.USD: "SF63528",
	money.EUR: "SF46410",
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("rate source returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// ExchangeRateAPI queries exchangerate-api.com. Without a key it falls back to
// the open "latest" endpoint.
type ExchangeRateAPI struct {
	BaseURL string
	Key     string
	client  *http.Client
}

// NewExchangeRateAPI builds the default source.
func NewExchangeRateAPI(key string, client *http.Client) *ExchangeRateAPI {
	return &ExchangeRateAPI{BaseURL: ExchangeRateAPIURL, Key: key, client: newHTTPClient(client)}
}

// Fetch implements Fetcher.
func (s *ExchangeRateAPI) Fetch(ctx context.Context, from, to money.Currency) (decimal.Decimal, error) {
	var body struct {
		Result          string                     `json:"result"`
		ErrorType       string                     `json:"error-type"`
		ConversionRate  decimal.Decimal            `json:"conversion_rate"`
		ConversionRates map[string]decimal.Decimal `json:"conversion_rates"`
	}
	endpoint := fmt.Sprintf("%s/latest/%s", s.BaseURL, from)
	if s.Key != "" {
		endpoint = fmt.Sprintf("%s/%s/pair/%s/%s", s.BaseURL, url.PathEscape(s.Key), from, to)
	}
	if err := getJSON(ctx, s.client, endpoint, &body); err != nil {
		return decimal.Zero, err
	}
	if body.Result != "success" {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceExchangeRateAPI, Reason: body.ErrorType}
	}
	if s.Key != "" {
		return body.ConversionRate, nil
	}
	rate, ok := body.ConversionRates[string(to)]
	if !ok {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceExchangeRateAPI, Reason: "target not quoted"}
	}
	return rate, nil
}

// Fixer queries fixer.io.
type Fixer struct {
	BaseURL string
	Key     string
	client  *http.Client
}

// NewFixer builds a fixer.io source.
func NewFixer(key string, client *http.Client) *Fixer {
	return &Fixer{BaseURL: FixerURL, Key: key, client: newHTTPClient(client)}
}

// Fetch implements Fetcher.
func (s *Fixer) Fetch(ctx context.Context, from, to money.Currency) (decimal.Decimal, error) {
	if s.Key == "" {
		return decimal.Zero, fmt.Errorf("%w: fixer", ErrMissingAPIKey)
	}
	q := url.Values{}
	q.Set("access_key", s.Key)
	q.Set("base", string(from))
	q.Set("symbols", string(to))
	var body struct {
		Success bool                       `json:"success"`
		Rates   map[string]decimal.Decimal `json:"rates"`
		Error   struct {
			Info string `json:"info"`
		} `json:"error"`
	}
	if err := getJSON(ctx, s.client, s.BaseURL+"/latest?"+q.Encode(), &body); err != nil {
		return decimal.Zero, err
	}
	if !body.Success {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceFixer, Reason: body.Error.Info}
	}
	rate, ok := body.Rates[string(to)]
	if !ok {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceFixer, Reason: "target not quoted"}
	}
	return rate, nil
}

// CurrencyAPI queries currencyapi.com.
type CurrencyAPI struct {
	BaseURL string
	Key     string
	client  *http.Client
}

// NewCurrencyAPI builds a currencyapi.com source.
func NewCurrencyAPI(key string, client *http.Client) *CurrencyAPI {
	return &CurrencyAPI{BaseURL: CurrencyAPIURL, Key: key, client: newHTTPClient(client)}
}

// Fetch implements Fetcher.
func (s *CurrencyAPI) Fetch(ctx context.Context, from, to money.Currency) (decimal.Decimal, error) {
	if s.Key == "" {
		return decimal.Zero, fmt.Errorf("%w: currencyapi", ErrMissingAPIKey)
	}
	q := url.Values{}
	q.Set("apikey", s.Key)
	q.Set("base_currency", string(from))
	q.Set("currencies", string(to))
	var body struct {
		Data map[string]struct {
			Value decimal.Decimal `json:"value"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.client, s.BaseURL+"/latest?"+q.Encode(), &body); err != nil {
		return decimal.Zero, err
	}
	entry, ok := body.Data[string(to)]
	if !ok {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceCurrencyAPI, Reason: "data unavailable"}
	}
	return entry.Value, nil
}

// Banxico queries the Banco de México SIE API. Only pairs involving MXN with a
// published series are supported.
type Banxico struct {
	BaseURL string
	Token   string
	client  *http.Client
}

// NewBanxico builds a Banxico source.
func NewBanxico(token string, client *http.Client) *Banxico {
	return &Banxico{BaseURL: BanxicoURL, Token: token, client: newHTTPClient(client)}
}

// Fetch implements Fetcher. The published series quote MXN per foreign unit so
// the rate is inverted when converting out of MXN.
func (s *Banxico) Fetch(ctx context.Context, from, to money.Currency) (decimal.Decimal, error) {
	if s.Token == "" {
		return decimal.Zero, fmt.Errorf("%w: banxico", ErrMissingAPIKey)
	}
	if from != money.MXN && to != money.MXN {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceBanxico, Reason: "only MXN pairs are supported"}
	}
	other := from
	if from == money.MXN {
		other = to
	}
	series, ok := banxicoSeries[other]
	if !ok {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceBanxico, Reason: "no series for " + string(other)}
	}
	var body struct {
		BMX struct {
			Series []struct {
				Datos []struct {
					Dato decimal.Decimal `json:"dato"`
				} `json:"datos"`
			} `json:"series"`
		} `json:"bmx"`
	}
	endpoint := fmt.Sprintf("%s/%s/datos/oportuno?token=%s", s.BaseURL, series, url.QueryEscape(s.Token))
	if err := getJSON(ctx, s.client, endpoint, &body); err != nil {
		return decimal.Zero, err
	}
	if len(body.BMX.Series) == 0 || len(body.BMX.Series[0].Datos) == 0 {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceBanxico, Reason: "data unavailable"}
	}
	rate := body.BMX.Series[0].Datos[0].Dato
	if !rate.IsPositive() {
		return decimal.Zero, &MissingRateError{From: from, To: to, Source: SourceBanxico, Reason: "non-positive rate"}
	}
	if from == money.MXN {
		return decimal.NewFromInt(1).Div(rate), nil
	}
	return rate, nil
}

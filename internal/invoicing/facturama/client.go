// Package facturama is a client for the Facturama PAC, which stamps and
// cancels Mexican CFDI documents.
package facturama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/platform/httpx"
)

const (
	tokenTTL       = 23 * time.Hour
	defaultTimeout = 30 * time.Second
	defaultRetries = 3
	backoffBase    = time.Second
)

var (
	// ErrDisabled is returned when the organization has not enabled the PAC.
	ErrDisabled = errors.New("facturama disabled")
	// ErrInvalidCFDI wraps local validation failures.
	ErrInvalidCFDI = fmt.Errorf("%w: invalid CFDI", httpx.ErrValidation)

	rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)
)

// Config selects the account and endpoint used for a call.
type Config struct {
	User       string
	Password   string
	APIURL     string
	Sandbox    bool
	SandboxURL string
	Timeout    time.Duration
	Retries    int
	Enabled    bool
}

// BaseURL is the endpoint the config points at.
func (c Config) BaseURL() string {
	if c.Sandbox && c.SandboxURL != "" {
		return strings.TrimRight(c.SandboxURL, "/")
	}
	return strings.TrimRight(c.APIURL, "/")
}

func (c Config) retries() int {
	if c.Retries <= 0 {
		return defaultRetries
	}
	return c.Retries
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// Number is a decimal encoded as a bare JSON number.
type Number struct {
	decimal.Decimal
}

// Num wraps d.
func Num(d decimal.Decimal) Number { return Number{Decimal: d} }

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) { return []byte(n.Decimal.String()), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error { return n.Decimal.UnmarshalJSON(b) }

// Party is the issuer or receiver of a CFDI.
type Party struct {
	RFC        string `json:"rfc"`
	Name       string `json:"nombre"`
	TaxRegime  string `json:"regimenFiscal,omitempty"`
	CFDIUse    string `json:"usoCFDI,omitempty"`
	PostalCode string `json:"domicilioFiscal,omitempty"`
}

// Transfer is a transferred tax on a concept.
type Transfer struct {
	Base       Number `json:"base"`
	Tax        string `json:"impuesto"`
	FactorType string `json:"tipoFactor"`
	Rate       string `json:"tasaOCuota"`
	Amount     Number `json:"importe"`
}

// ConceptTaxes groups the taxes of a concept.
type ConceptTaxes struct {
	Transfers []Transfer `json:"traslados,omitempty"`
}

// Concept is one CFDI line.
type Concept struct {
	ProductKey  string        `json:"claveProdServ"`
	Quantity    Number        `json:"cantidad"`
	UnitKey     string        `json:"claveUnidad"`
	Unit        string        `json:"unidad"`
	Description string        `json:"descripcion"`
	UnitValue   Number        `json:"valorUnitario"`
	Amount      Number        `json:"importe"`
	Discount    Number        `json:"descuento"`
	TaxObject   string        `json:"objetoImp"`
	Taxes       *ConceptTaxes `json:"impuestos,omitempty"`
}

// Totals carries document level tax totals.
type Totals struct {
	Transferred Number `json:"totalImpuestosTrasladados"`
	Withheld    Number `json:"totalImpuestosRetenidos"`
}

// CFDI is the document submitted for stamping.
type CFDI struct {
	Folio             string    `json:"folio"`
	Series            string    `json:"serie"`
	Date              string    `json:"fecha"`
	PaymentMethod     string    `json:"metodoPago"`
	PaymentForm       string    `json:"formaPago"`
	PaymentConditions string    `json:"condicionesDePago,omitempty"`
	Currency          string    `json:"moneda"`
	ExchangeRate      *Number   `json:"tipoCambio,omitempty"`
	Issuer            Party     `json:"emisor"`
	Receiver          Party     `json:"receptor"`
	Concepts          []Concept `json:"conceptos"`
	Taxes             *Totals   `json:"impuestos,omitempty"`
	Subtotal          Number    `json:"subtotal"`
	Discount          Number    `json:"descuento"`
	Total             Number    `json:"total"`
}

// Validate lists the problems that would make the PAC reject the document.
func (c CFDI) Validate() []string {
	var problems []string
	if c.Folio == "" {
		problems = append(problems, "folio is required")
	}
	if c.Series == "" {
		problems = append(problems, "series is required")
	}
	switch {
	case c.Issuer.RFC == "":
		problems = append(problems, "issuer RFC is required")
	case !rfcPattern.MatchString(c.Issuer.RFC):
		problems = append(problems, "issuer RFC is invalid")
	}
	switch {
	case c.Receiver.RFC == "":
		problems = append(problems, "receiver RFC is required")
	case !rfcPattern.MatchString(c.Receiver.RFC):
		problems = append(problems, "receiver RFC is invalid")
	}
	if len(c.Concepts) == 0 {
		problems = append(problems, "at least one concept is required")
	}
	if !c.Total.IsPositive() {
		problems = append(problems, "total must be greater than zero")
	}
	if !c.Subtotal.IsPositive() {
		problems = append(problems, "subtotal must be greater than zero")
	}
	for i, concept := range c.Concepts {
		if strings.TrimSpace(concept.Description) == "" {
			problems = append(problems, fmt.Sprintf("concept %d: description is required", i+1))
		}
		if !concept.Quantity.IsPositive() {
			problems = append(problems, fmt.Sprintf("concept %d: quantity must be greater than zero", i+1))
		}
		if !concept.UnitValue.IsPositive() {
			problems = append(problems, fmt.Sprintf("concept %d: unit value must be greater than zero", i+1))
		}
	}
	return problems
}

// Stamp is the PAC's answer to a successful stamping.
type Stamp struct {
	UUID             string        `json:"uuid"`
	XML              string        `json:"xml"`
	PDF              string        `json:"pdf,omitempty"`
	CertificateSAT   string        `json:"certificate_sat"`
	StampedAt        time.Time     `json:"stamped_at"`
	SealCFD          string        `json:"seal_cfd"`
	SealSAT          string        `json:"seal_sat"`
	OriginalChainSAT string        `json:"original_chain_sat"`
	Elapsed          time.Duration `json:"elapsed"`
}

type stampResponse struct {
	UUID             string `json:"Uuid"`
	XML              string `json:"Xml"`
	PDF              string `json:"Pdf"`
	CertificateSAT   string `json:"NoCertificadoSAT"`
	StampedAt        string `json:"FechaTimbrado"`
	SealCFD          string `json:"SelloCFD"`
	SealSAT          string `json:"SelloSAT"`
	OriginalChainSAT string `json:"CadenaOriginalSAT"`
}

// Client talks to Facturama. The access token is cached per config.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	session Config
	token   string
	expires time.Time
}

// New builds a Client. A nil httpClient uses a client without a global timeout;
// each call is bounded by its Config timeout.
func New(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   httpClient,
		logger: logger.With(slog.String("component", "facturama")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithClock overrides the clock and the backoff sleeper for testing.
func (c *Client) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Client {
	if now != nil {
		c.now = now
	}
	if sleep != nil {
		c.sleep = sleep
	}
	return c
}

// Stamp validates and stamps doc.
func (c *Client) Stamp(ctx context.Context, cfg Config, doc CFDI) (Stamp, error) {
	if !cfg.Enabled {
		return Stamp{}, ErrDisabled
	}
	start := c.now()
	if problems := doc.Validate(); len(problems) > 0 {
		return Stamp{}, fmt.Errorf("%w: %s", ErrInvalidCFDI, strings.Join(problems, "; "))
	}
	var resp stampResponse
	if err := c.call(ctx, cfg, http.MethodPost, "/api/cfdi", doc, &resp); err != nil {
		return Stamp{}, err
	}
	out := Stamp{
		UUID:             resp.UUID,
		XML:              resp.XML,
		PDF:              resp.PDF,
		CertificateSAT:   resp.CertificateSAT,
		SealCFD:          resp.SealCFD,
		SealSAT:          resp.SealSAT,
		OriginalChainSAT: resp.OriginalChainSAT,
		Elapsed:          c.now().Sub(start),
	}
	if t, err := parseStampTime(resp.StampedAt); err == nil {
		out.StampedAt = t
	} else {
		out.StampedAt = c.now().UTC()
	}
	c.logger.Info("cfdi stamped", slog.String("uuid", out.UUID), slog.String("folio", doc.Series+doc.Folio), slog.Duration("elapsed", out.Elapsed))
	return out, nil
}

// Cancel cancels a stamped CFDI. Reason is a SAT cancellation motive; "02"
// applies when empty.
func (c *Client) Cancel(ctx context.Context, cfg Config, uuid, reason string) error {
	if !cfg.Enabled {
		return ErrDisabled
	}
	if reason == "" {
		reason = "02"
	}
	body := map[string]string{"Uuid": uuid, "Motivo": reason}
	return c.call(ctx, cfg, http.MethodPost, "/api/cfdi/cancel", body, nil)
}

// Status returns the PAC's view of a CFDI.
func (c *Client) Status(ctx context.Context, cfg Config, uuid string) (map[string]any, error) {
	out := map[string]any{}
	if err := c.call(ctx, cfg, http.MethodGet, "/api/cfdi/"+uuid, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateConnection authenticates with cfg.
func (c *Client) ValidateConnection(ctx context.Context, cfg Config) error {
	_, err := c.authenticate(ctx, cfg)
	return err
}

// ClearSession drops the cached token.
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

func (c *Client) authenticate(ctx context.Context, cfg Config) (string, error) {
	c.mu.Lock()
	if c.session != cfg {
		c.session = cfg
		c.token = ""
		c.expires = time.Time{}
	}
	if c.token != "" && c.now().Before(c.expires) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	var login struct {
		AccessToken string `json:"access_token"`
	}
	err := c.retry(ctx, cfg, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL()+"/api/login", nil)
		if err != nil {
			return false, err
		}
		req.SetBasicAuth(cfg.User, cfg.Password)
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, &login)
	})
	if err != nil {
		return "", fmt.Errorf("facturama login: %w", err)
	}
	if login.AccessToken == "" {
		return "", &Error{Code: "AUTH", Message: "login returned no access token"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == cfg {
		c.token = login.AccessToken
		c.expires = c.now().Add(tokenTTL)
	}
	return login.AccessToken, nil
}

func (c *Client) call(ctx context.Context, cfg Config, method, path string, body, dest any) error {
	token, err := c.authenticate(ctx, cfg)
	if err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return c.retry(ctx, cfg, func(ctx context.Context) (bool, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL()+path, reader)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, dest)
	})
}

// send performs req and reports whether a failure is worth retrying.
func (c *Client) send(req *http.Request, dest any) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return true, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, decodeError(resp.StatusCode, data)
	}
	if dest == nil || len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("facturama: decode response: %w", err)
	}
	return false, nil
}

// retry runs fn up to cfg.Retries times with exponential backoff. Only
// failures fn marks retryable are retried.
func (c *Client) retry(ctx context.Context, cfg Config, fn func(context.Context) (bool, error)) error {
	attempts := cfg.retries()
	delay := backoffBase
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		var retryable bool
		retryable, err = fn(callCtx)
		cancel()
		if err == nil || !retryable || attempt == attempts {
			break
		}
		c.logger.Warn("facturama call failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return fmt.Errorf("%w: facturama: %v", httpx.ErrUpstream, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseStampTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable stamp time %q", raw)
}

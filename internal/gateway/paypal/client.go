// Package paypal dispatches payments through PayPal Orders v2.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	SandboxURL    = "https://api-m.sandbox.paypal.com"
	ProductionURL = "https://api-m.paypal.com"
	providerName  = "paypal"
)

// Config holds platform credentials. Methods may carry their own client pair.
type Config struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	Production   bool
	BaseURL      string
	BrandName    string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// APIError is a non-2xx PayPal response.
type APIError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal: status %d", e.Status)
	}
	return fmt.Sprintf("paypal: %s (%d): %s", e.Name, e.Status, e.Message)
}

// Client issues authenticated calls against the REST API.
type Client struct {
	cfg     Config
	baseURL string
	base    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewClient builds a client. The base URL follows the environment unless set.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxURL
		if cfg.Production {
			baseURL = ProductionURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		base:    &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "gateway.paypal")),
		sources: make(map[string]oauth2.TokenSource),
	}
}

// BaseURL reports the API root in use.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) httpClient(clientID, secret string) (*http.Client, error) {
	if clientID == "" || secret == "" {
		clientID, secret = c.cfg.ClientID, c.cfg.ClientSecret
	}
	if clientID == "" || secret == "" {
		return nil, errors.New("paypal: client credentials not configured")
	}
	c.mu.Lock()
	src, ok := c.sources[clientID]
	if !ok {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: secret,
			TokenURL:     c.baseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
		src = cc.TokenSource(tokenCtx)
		c.sources[clientID] = src
	}
	c.mu.Unlock()
	return &http.Client{
		Timeout:   c.base.Timeout,
		Transport: &oauth2.Transport{Source: src, Base: c.base.Transport},
	}, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any, headers map[string]string, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(payload, apiErr)
		return apiErr
	}
	if dest == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, dest)
}

package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/observability"
	"github.com/toothpick/billing/internal/payments"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthzReportsChecks(t *testing.T) {
	healthy := NewRouter(RouterParams{
		Logger: quietLogger(),
		HealthChecks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
		},
	})
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok"}}`, rr.Body.String())

	degraded := NewRouter(RouterParams{
		Logger: quietLogger(),
		HealthChecks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rr = httptest.NewRecorder()
	degraded.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","redis":"connection refused"}}`, rr.Body.String())
}

func TestRouterServesMetricsAndWebhooks(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Logger:         quietLogger(),
		Metrics:        metrics,
		WebhookHandler: payments.NewWebhookHandler(quietLogger(), nil, nil, nil, nil),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}")))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "billing_http_requests_total")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/tx-1", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRateLimitSkipsWebhooks(t *testing.T) {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	stack := MiddlewareStack(MiddlewareConfig{Logger: quietLogger(), RateLimit: 1})
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	call := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusNoContent, call("/payments"))
	require.Equal(t, http.StatusTooManyRequests, call("/payments"))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, call("/webhooks/paypal"))
	}
}

package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

type fakePayPal struct {
	t           *testing.T
	tokenCalls  atomic.Int32
	orderStatus string
	lastBody    map[string]any
	lastHeaders http.Header
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/v1/oauth2/token" {
		f.tokenCalls.Add(1)
		user, _, ok := r.BasicAuth()
		require.True(f.t, ok)
		require.NotEmpty(f.t, user)
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
		return
	}
	require.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
	f.lastHeaders = r.Header.Clone()
	f.lastBody = nil
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &f.lastBody)
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v2/checkout/orders":
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.test/approve/ORDER-1"}]}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v2/checkout/orders/ORDER-1":
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"` + f.orderStatus + `"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v2/checkout/orders/ORDER-1/capture":
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","custom_id":"PAY-ABC-1","amount":{"currency_code":"MXN","value":"1250.50"}}]}}]}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v2/payments/captures/CAP-1/refund":
		_, _ = w.Write([]byte(`{"id":"REF-1","status":"COMPLETED"}`))
	case r.URL.Path == "/v1/notifications/verify-webhook-signature":
		status := "FAILURE"
		if f.lastBody["transmission_id"] == "tx-1" {
			status = "SUCCESS"
		}
		_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
	default:
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","message":"bad request"}`))
	}
}

func newTestProvider(t *testing.T) (*Provider, *fakePayPal) {
	t.Helper()
	fake := &fakePayPal{t: t, orderStatus: "APPROVED"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client := NewClient(Config{ClientID: "platform", ClientSecret: "secret", WebhookID: "WH-1", BaseURL: srv.URL, BrandName: "ToothPick"}, nil)
	return NewProvider(client), fake
}

func TestClientBaseURLFollowsEnvironment(t *testing.T) {
	require.Equal(t, SandboxURL, NewClient(Config{}, nil).BaseURL())
	require.Equal(t, ProductionURL, NewClient(Config{Production: true}, nil).BaseURL())
}

func TestCreateReturnsApprovalLink(t *testing.T) {
	p, fake := newTestProvider(t)
	out, err := p.Create(context.Background(), gateway.Charge{
		Reference:      "PAY-1",
		Amount:         decimal.RequireFromString("99.5"),
		Currency:       money.EUR,
		IdempotencyKey: "PAY-1:attempt:0",
	})
	require.NoError(t, err)
	require.Equal(t, "ORDER-1", out.ExternalID)
	require.Equal(t, "https://paypal.test/approve/ORDER-1", out.PaymentLink)
	require.Equal(t, "PAY-1:attempt:0", fake.lastHeaders.Get("PayPal-Request-Id"))

	units := fake.lastBody["purchase_units"].([]any)
	unit := units[0].(map[string]any)
	require.Equal(t, "PAY-1", unit["custom_id"])
	require.Equal(t, map[string]any{"currency_code": "EUR", "value": "99.50"}, unit["amount"])
	require.Equal(t, "CAPTURE", fake.lastBody["intent"])
}

func TestVerifyCapturesApprovedOrder(t *testing.T) {
	p, fake := newTestProvider(t)
	out, err := p.Verify(context.Background(), gateway.Verification{ExternalID: "ORDER-1"})
	require.NoError(t, err)
	require.True(t, out.Succeeded)
	require.Equal(t, "CAP-1", out.CaptureID)
	require.Equal(t, "ORDER-1", out.ExternalID)
	require.Equal(t, "PAY-ABC-1", out.Reference)
	require.Equal(t, money.MXN, out.Currency)
	require.Equal(t, "1250.5", out.Amount.String())
	require.EqualValues(t, 1, fake.tokenCalls.Load())

	fake.orderStatus = "CREATED"
	out, err = p.Verify(context.Background(), gateway.Verification{ExternalID: "ORDER-1"})
	require.NoError(t, err)
	require.False(t, out.Succeeded)
	require.Equal(t, "order status: CREATED", out.Reason)
}

func TestRefundUsesTransactionCurrency(t *testing.T) {
	p, fake := newTestProvider(t)
	receipt, err := p.Refund(context.Background(), gateway.RefundOrder{
		CaptureID: "CAP-1",
		Amount:    decimal.NewFromInt(500),
		Currency:  money.MXN,
		Reason:    "cancelled appointment",
	})
	require.NoError(t, err)
	require.Equal(t, gateway.RefundCompleted, receipt.Status)
	require.Equal(t, "REF-1", receipt.RefundID)
	require.Equal(t, map[string]any{"currency_code": "MXN", "value": "500.00"}, fake.lastBody["amount"])

	_, err = p.Refund(context.Background(), gateway.RefundOrder{Amount: decimal.NewFromInt(1), Currency: money.MXN})
	require.ErrorContains(t, err, "capture id required")
}

func TestMethodCredentialsOverridePlatform(t *testing.T) {
	p, fake := newTestProvider(t)
	acct := methods.AccountData{PayPalClientID: "merchant", PayPalClientSecret: "s2"}
	_, err := p.Create(context.Background(), gateway.Charge{Reference: "PAY-2", Amount: decimal.NewFromInt(1), Currency: money.USD, Account: acct})
	require.NoError(t, err)
	_, err = p.Create(context.Background(), gateway.Charge{Reference: "PAY-3", Amount: decimal.NewFromInt(1), Currency: money.USD})
	require.NoError(t, err)
	require.EqualValues(t, 2, fake.tokenCalls.Load())
}

func TestAPIErrorIsUpstream(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.Verify(context.Background(), gateway.Verification{ExternalID: "MISSING"})
	require.True(t, errors.Is(err, httpx.ErrUpstream))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "UNPROCESSABLE_ENTITY", apiErr.Name)
}

func TestWebhookVerification(t *testing.T) {
	p, _ := newTestProvider(t)
	payload := []byte(`{"id":"WH-EVT-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED","custom_id":"PAY-1","supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`)

	header := http.Header{}
	header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	notice, err := p.client.Parse(context.Background(), header, payload)
	require.NoError(t, err)
	require.Equal(t, gateway.NoticeSucceeded, notice.Kind)
	require.Equal(t, "ORDER-1", notice.ExternalID)
	require.Equal(t, "CAP-1", notice.CaptureID)
	require.Equal(t, "PAY-1", notice.Reference)

	header.Set("PAYPAL-TRANSMISSION-ID", "forged")
	_, err = p.client.Parse(context.Background(), header, payload)
	require.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestParseNoticeRefund(t *testing.T) {
	notice, err := ParseNotice([]byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.REFUNDED","resource":{"id":"REF-9","status":"COMPLETED","links":[{"rel":"up","href":"https://api-m.paypal.com/v2/payments/captures/CAP-7"}]}}`))
	require.NoError(t, err)
	require.Equal(t, gateway.NoticeRefunded, notice.Kind)
	require.Equal(t, "CAP-7", notice.CaptureID)
	require.Equal(t, []string{"REF-9"}, notice.RefundIDs)

	notice, err = ParseNotice([]byte(`{"id":"WH-3","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`))
	require.NoError(t, err)
	require.Equal(t, gateway.NoticeIgnored, notice.Kind)
	require.False(t, strings.Contains(notice.EventType, "CAPTURE"))
}

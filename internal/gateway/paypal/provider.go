package paypal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
)

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      amount `json:"amount"`
}

type applicationContext struct {
	BrandName   string `json:"brand_name,omitempty"`
	LandingPage string `json:"landing_page"`
	UserAction  string `json:"user_action"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

type orderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	Amount   amount `json:"amount"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o order) firstCapture() (capture, bool) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return capture{}, false
}

// Provider implements gateway.Provider for PayPal.
type Provider struct {
	client *Client
}

var _ gateway.Provider = (*Provider)(nil)

// NewProvider wraps client.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() methods.Type { return methods.TypePayPal }

// Create places a CAPTURE order and returns its approval link.
func (p *Provider) Create(ctx context.Context, charge gateway.Charge) (gateway.Dispatch, error) {
	hc, err := p.client.httpClient(charge.Account.PayPalClientID, charge.Account.PayPalClientSecret)
	if err != nil {
		return gateway.Dispatch{}, err
	}
	description := charge.Description
	if description == "" {
		description = "Payment " + charge.Reference
	}
	req := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: charge.Reference,
			CustomID:    charge.Reference,
			Description: description,
			Amount:      amountOf(charge.Amount, charge.Currency),
		}},
		ApplicationContext: applicationContext{
			BrandName:   p.client.cfg.BrandName,
			LandingPage: "NO_PREFERENCE",
			UserAction:  "PAY_NOW",
			ReturnURL:   firstNonEmpty(charge.ReturnURL, p.client.cfg.ReturnURL),
			CancelURL:   firstNonEmpty(charge.CancelURL, p.client.cfg.CancelURL),
		},
	}
	headers := map[string]string{}
	if charge.IdempotencyKey != "" {
		headers["PayPal-Request-Id"] = charge.IdempotencyKey
	}
	var created order
	if err := p.client.do(ctx, hc, http.MethodPost, "/v2/checkout/orders", req, headers, &created); err != nil {
		return gateway.Dispatch{}, gateway.Upstream(providerName, err)
	}
	approve := ""
	for _, l := range created.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if approve == "" {
		return gateway.Dispatch{}, gateway.Upstream(providerName, fmt.Errorf("order %s has no approval link", created.ID))
	}
	p.client.logger.Info("paypal order created", slog.String("reference", charge.Reference), slog.String("order_id", created.ID))
	return gateway.Dispatch{PaymentLink: approve, ExternalID: created.ID}, nil
}

// Verify captures an approved order and reports the capture result.
func (p *Provider) Verify(ctx context.Context, v gateway.Verification) (gateway.Outcome, error) {
	hc, err := p.client.httpClient(v.Account.PayPalClientID, v.Account.PayPalClientSecret)
	if err != nil {
		return gateway.Outcome{}, err
	}
	var current order
	if err := p.client.do(ctx, hc, http.MethodGet, "/v2/checkout/orders/"+v.ExternalID, nil, nil, &current); err != nil {
		return gateway.Outcome{}, gateway.Upstream(providerName, err)
	}
	if current.Status == "APPROVED" {
		headers := map[string]string{"PayPal-Request-Id": "capture-" + v.ExternalID}
		if err := p.client.do(ctx, hc, http.MethodPost, "/v2/checkout/orders/"+v.ExternalID+"/capture", struct{}{}, headers, &current); err != nil {
			return gateway.Outcome{}, gateway.Upstream(providerName, err)
		}
	}
	out := gateway.Outcome{Status: current.Status}
	c, ok := current.firstCapture()
	if !ok {
		out.Reason = "order status: " + current.Status
		return out, nil
	}
	out.CaptureID = c.ID
	if c.Status != "COMPLETED" {
		out.Reason = "capture status: " + c.Status
		return out, nil
	}
	out.Succeeded = true
	out.ExternalID = current.ID
	out.Reference = c.CustomID
	if c.Amount.Value != "" {
		value, err := decimal.NewFromString(c.Amount.Value)
		if err != nil {
			return gateway.Outcome{}, fmt.Errorf("paypal: capture amount %q: %w", c.Amount.Value, err)
		}
		out.Amount = value
		out.Currency = money.Currency(c.Amount.CurrencyCode)
	}
	return out, nil
}

// Refund returns funds against the capture in the transaction currency.
func (p *Provider) Refund(ctx context.Context, o gateway.RefundOrder) (gateway.RefundReceipt, error) {
	if o.CaptureID == "" {
		return gateway.RefundReceipt{}, fmt.Errorf("paypal: capture id required to refund %s", o.Reference)
	}
	hc, err := p.client.httpClient(o.Account.PayPalClientID, o.Account.PayPalClientSecret)
	if err != nil {
		return gateway.RefundReceipt{}, err
	}
	body := struct {
		Amount      amount `json:"amount"`
		NoteToPayer string `json:"note_to_payer,omitempty"`
	}{Amount: amountOf(o.Amount, o.Currency), NoteToPayer: o.Reason}
	headers := map[string]string{}
	if o.IdempotencyKey != "" {
		headers["PayPal-Request-Id"] = o.IdempotencyKey
	}
	var res struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := p.client.do(ctx, hc, http.MethodPost, "/v2/payments/captures/"+o.CaptureID+"/refund", body, headers, &res); err != nil {
		return gateway.RefundReceipt{}, gateway.Upstream(providerName, err)
	}
	receipt := gateway.RefundReceipt{RefundID: res.ID, Status: gateway.RefundPending}
	switch res.Status {
	case "COMPLETED":
		receipt.Status = gateway.RefundCompleted
	case "FAILED", "CANCELLED":
		receipt.Status = gateway.RefundFailed
	}
	return receipt, nil
}

func amountOf(value money.Amount, currency money.Currency) amount {
	return amount{CurrencyCode: string(currency), Value: value.StringFixed(currency.Exponent())}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

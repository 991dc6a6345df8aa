// Package stripe dispatches card payments through Stripe PaymentIntents and
// Checkout Sessions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gostripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
)

const (
	providerName   = "stripe"
	sourceMetadata = "toothpick_billing"
	sessionTTL     = 30 * time.Minute
	sessionPrefix  = "cs_"
)

type paymentIntents interface {
	Get(id string, params *gostripe.PaymentIntentParams) (*gostripe.PaymentIntent, error)
}

type checkoutSessions interface {
	New(params *gostripe.CheckoutSessionParams) (*gostripe.CheckoutSession, error)
	Get(id string, params *gostripe.CheckoutSessionParams) (*gostripe.CheckoutSession, error)
}

type refunds interface {
	New(params *gostripe.RefundParams) (*gostripe.Refund, error)
}

// Config holds the Stripe credentials and redirect roots.
type Config struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// Provider implements gateway.Provider for Stripe.
type Provider struct {
	intents  paymentIntents
	sessions checkoutSessions
	refunds  refunds
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

var _ gateway.Provider = (*Provider)(nil)

// New builds a provider backed by the Stripe API client.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe: secret key required")
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return newProvider(cfg, api.PaymentIntents, api.CheckoutSessions, api.Refunds, logger), nil
}

func newProvider(cfg Config, intents paymentIntents, sessions checkoutSessions, refunds refunds, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		intents:  intents,
		sessions: sessions,
		refunds:  refunds,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "gateway.stripe")),
		now:      time.Now,
	}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() methods.Type { return methods.TypeStripe }

// Create opens a hosted Checkout Session. The session creates the
// PaymentIntent the payer completes, so the reference metadata and the
// connected-account transfer ride on its payment_intent_data. The session ID
// is the external ID until the payment is verified.
func (p *Provider) Create(ctx context.Context, charge gateway.Charge) (gateway.Dispatch, error) {
	minor := money.ToMinor(charge.Amount, charge.Currency)
	currency := strings.ToLower(string(charge.Currency))

	expires := p.now().Add(sessionTTL)
	name := charge.Description
	if name == "" {
		name = "Payment " + charge.Reference
	}
	intentData := &gostripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: map[string]string{
			"referenceCode": charge.Reference,
			"source":        sourceMetadata,
		},
	}
	for k, v := range charge.Metadata {
		intentData.Metadata[k] = v
	}
	if charge.Description != "" {
		intentData.Description = gostripe.String(charge.Description)
	}
	if charge.Account.StripeAccountID != "" {
		intentData.TransferData = &gostripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: gostripe.String(charge.Account.StripeAccountID),
		}
	}
	params := &gostripe.CheckoutSessionParams{
		Mode: gostripe.String(string(gostripe.CheckoutSessionModePayment)),
		LineItems: []*gostripe.CheckoutSessionLineItemParams{{
			PriceData: &gostripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   gostripe.String(currency),
				UnitAmount: gostripe.Int64(minor),
				ProductData: &gostripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: gostripe.String(name),
				},
			},
			Quantity: gostripe.Int64(1),
		}},
		PaymentIntentData: intentData,
		ClientReferenceID: gostripe.String(charge.Reference),
		SuccessURL:        gostripe.String(redirectURL(firstNonEmpty(charge.ReturnURL, p.cfg.SuccessURL), charge.Reference)),
		CancelURL:         gostripe.String(redirectURL(firstNonEmpty(charge.CancelURL, p.cfg.CancelURL), charge.Reference)),
		ExpiresAt:         gostripe.Int64(expires.Unix()),
	}
	params.Context = ctx
	params.AddMetadata("referenceCode", charge.Reference)
	if charge.IdempotencyKey != "" {
		params.SetIdempotencyKey(charge.IdempotencyKey)
	}
	session, err := p.sessions.New(params)
	if err != nil {
		return gateway.Dispatch{}, gateway.Upstream(providerName, err)
	}

	p.logger.Info("checkout session created",
		slog.String("reference", charge.Reference),
		slog.String("session", session.ID),
	)
	return gateway.Dispatch{PaymentLink: session.URL, ExternalID: session.ID, ExpiresAt: &expires}, nil
}

// Verify retrieves the PaymentIntent, resolving it through the Checkout
// Session when given a session ID, and reports whether it succeeded along with
// the amount, currency and reference Stripe holds for it.
func (p *Provider) Verify(ctx context.Context, v gateway.Verification) (gateway.Outcome, error) {
	if v.ExternalID == "" {
		return gateway.Outcome{}, errors.New("stripe: payment intent id required")
	}
	intentID, sessionStatus, err := p.resolveIntent(ctx, v.ExternalID)
	if err != nil {
		return gateway.Outcome{}, err
	}
	if intentID == "" {
		return gateway.Outcome{Status: sessionStatus, Reason: "checkout session " + sessionStatus}, nil
	}
	params := &gostripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(intentID, params)
	if err != nil {
		return gateway.Outcome{}, gateway.Upstream(providerName, err)
	}
	currency := money.Currency(strings.ToUpper(string(intent.Currency)))
	out := gateway.Outcome{
		Status:     string(intent.Status),
		ExternalID: intent.ID,
		Reference:  intent.Metadata["referenceCode"],
		Currency:   currency,
		Amount:     money.FromMinor(intent.Amount, currency),
	}
	if intent.Status != gostripe.PaymentIntentStatusSucceeded {
		out.Reason = fmt.Sprintf("status: %s", intent.Status)
		return out, nil
	}
	out.Succeeded = true
	if intent.LatestCharge != nil {
		out.CaptureID = intent.LatestCharge.ID
	}
	return out, nil
}

// Refund refunds part or all of the PaymentIntent.
func (p *Provider) Refund(ctx context.Context, order gateway.RefundOrder) (gateway.RefundReceipt, error) {
	intentID, _, err := p.resolveIntent(ctx, order.ExternalID)
	if err != nil {
		return gateway.RefundReceipt{}, err
	}
	if intentID == "" {
		return gateway.RefundReceipt{}, fmt.Errorf("stripe: no payment intent to refund for %s", order.Reference)
	}
	params := &gostripe.RefundParams{
		PaymentIntent: gostripe.String(intentID),
		Amount:        gostripe.Int64(money.ToMinor(order.Amount, order.Currency)),
		Reason:        gostripe.String(string(gostripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("reason", order.Reason)
	params.AddMetadata("source", sourceMetadata)
	if order.IdempotencyKey != "" {
		params.SetIdempotencyKey(order.IdempotencyKey)
	}
	refund, err := p.refunds.New(params)
	if err != nil {
		return gateway.RefundReceipt{}, gateway.Upstream(providerName, err)
	}
	receipt := gateway.RefundReceipt{RefundID: refund.ID, Status: gateway.RefundPending}
	switch refund.Status {
	case gostripe.RefundStatusSucceeded:
		receipt.Status = gateway.RefundCompleted
	case gostripe.RefundStatusFailed, gostripe.RefundStatusCanceled:
		receipt.Status = gateway.RefundFailed
		receipt.Note = string(refund.FailureReason)
	}
	return receipt, nil
}

// resolveIntent maps a Checkout Session ID to its PaymentIntent ID. Any other
// ID is taken as a PaymentIntent ID. An open session has no intent yet.
func (p *Provider) resolveIntent(ctx context.Context, id string) (intentID, sessionStatus string, err error) {
	if !strings.HasPrefix(id, sessionPrefix) {
		return id, "", nil
	}
	params := &gostripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := p.sessions.Get(id, params)
	if err != nil {
		return "", "", gateway.Upstream(providerName, err)
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return "", string(session.Status), nil
	}
	return session.PaymentIntent.ID, string(session.Status), nil
}

func redirectURL(base, reference string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session_id={CHECKOUT_SESSION_ID}&reference=" + reference
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

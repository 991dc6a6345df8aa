package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	gostripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

type stubIntents struct {
	intent *gostripe.PaymentIntent
	gotID  string
}

func (s *stubIntents) Get(id string, _ *gostripe.PaymentIntentParams) (*gostripe.PaymentIntent, error) {
	s.gotID = id
	if s.intent == nil {
		return nil, errors.New("no such intent: " + id)
	}
	return s.intent, nil
}

type stubSessions struct {
	params  *gostripe.CheckoutSessionParams
	session *gostripe.CheckoutSession
	err     error
}

func (s *stubSessions) New(params *gostripe.CheckoutSessionParams) (*gostripe.CheckoutSession, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &gostripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

func (s *stubSessions) Get(id string, _ *gostripe.CheckoutSessionParams) (*gostripe.CheckoutSession, error) {
	if s.session == nil || s.session.ID != id {
		return nil, errors.New("no such session: " + id)
	}
	return s.session, nil
}

type stubRefunds struct {
	params *gostripe.RefundParams
	status gostripe.RefundStatus
}

func (s *stubRefunds) New(params *gostripe.RefundParams) (*gostripe.Refund, error) {
	s.params = params
	return &gostripe.Refund{ID: "re_1", Status: s.status}, nil
}

func newTestProvider(intents *stubIntents, sessions *stubSessions, refunds *stubRefunds) *Provider {
	p := newProvider(Config{SuccessURL: "https://app.test/paid", CancelURL: "https://app.test/cancel?x=1"}, intents, sessions, refunds, nil)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return p
}

func TestCreateCarriesReferenceOnSessionIntent(t *testing.T) {
	sessions := &stubSessions{}
	p := newTestProvider(&stubIntents{}, sessions, &stubRefunds{})

	out, err := p.Create(context.Background(), gateway.Charge{
		Reference:      "PAY-ABC-1234",
		Method:         methods.TypeStripe,
		Amount:         decimal.RequireFromString("1250.50"),
		Currency:       money.MXN,
		Description:    "Limpieza dental",
		Account:        methods.AccountData{StripeAccountID: "acct_9"},
		IdempotencyKey: "PAY-ABC-1234:attempt:0",
		Metadata:       map[string]string{"transactionId": "tx-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", out.ExternalID)
	require.Equal(t, "https://checkout.stripe.test/cs_1", out.PaymentLink)
	require.Equal(t, time.Unix(1_700_000_000, 0).Add(30*time.Minute), *out.ExpiresAt)

	params := sessions.params
	require.EqualValues(t, 125050, *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "mxn", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, "PAY-ABC-1234", *params.ClientReferenceID)
	require.Equal(t, "PAY-ABC-1234:attempt:0", *params.IdempotencyKey)

	require.NotNil(t, params.PaymentIntentData)
	require.Equal(t, map[string]string{
		"referenceCode": "PAY-ABC-1234",
		"source":        "toothpick_billing",
		"transactionId": "tx-1",
	}, params.PaymentIntentData.Metadata)
	require.Equal(t, "acct_9", *params.PaymentIntentData.TransferData.Destination)
	require.Equal(t, "Limpieza dental", *params.PaymentIntentData.Description)

	require.Equal(t, "https://app.test/paid?session_id={CHECKOUT_SESSION_ID}&reference=PAY-ABC-1234", *params.SuccessURL)
	require.Equal(t, "https://app.test/cancel?x=1&session_id={CHECKOUT_SESSION_ID}&reference=PAY-ABC-1234", *params.CancelURL)
	require.EqualValues(t, 1_700_000_000+1800, *params.ExpiresAt)
}

func TestCreateUsesCurrencyExponent(t *testing.T) {
	sessions := &stubSessions{}
	p := newTestProvider(&stubIntents{}, sessions, &stubRefunds{})
	_, err := p.Create(context.Background(), gateway.Charge{Reference: "R", Amount: decimal.NewFromInt(5000), Currency: money.JPY})
	require.NoError(t, err)
	require.EqualValues(t, 5000, *sessions.params.LineItems[0].PriceData.UnitAmount)
	require.Nil(t, sessions.params.PaymentIntentData.TransferData)
}

func TestCreateProviderErrorIsUpstream(t *testing.T) {
	p := newTestProvider(&stubIntents{}, &stubSessions{err: errors.New("invalid_request")}, &stubRefunds{})
	_, err := p.Create(context.Background(), gateway.Charge{Reference: "R", Amount: decimal.NewFromInt(10), Currency: money.USD})
	require.True(t, errors.Is(err, httpx.ErrUpstream))
}

func TestVerify(t *testing.T) {
	intents := &stubIntents{intent: &gostripe.PaymentIntent{ID: "pi_1", Status: gostripe.PaymentIntentStatusRequiresPaymentMethod}}
	p := newTestProvider(intents, &stubSessions{}, &stubRefunds{})

	out, err := p.Verify(context.Background(), gateway.Verification{ExternalID: "pi_1"})
	require.NoError(t, err)
	require.False(t, out.Succeeded)
	require.Equal(t, "status: requires_payment_method", out.Reason)

	intents.intent = &gostripe.PaymentIntent{
		ID:           "pi_1",
		Status:       gostripe.PaymentIntentStatusSucceeded,
		Amount:       125050,
		Currency:     "mxn",
		Metadata:     map[string]string{"referenceCode": "PAY-ABC-1234"},
		LatestCharge: &gostripe.Charge{ID: "ch_1"},
	}
	out, err = p.Verify(context.Background(), gateway.Verification{ExternalID: "pi_1"})
	require.NoError(t, err)
	require.True(t, out.Succeeded)
	require.Equal(t, "ch_1", out.CaptureID)
	require.Equal(t, "pi_1", out.ExternalID)
	require.Equal(t, "PAY-ABC-1234", out.Reference)
	require.Equal(t, money.MXN, out.Currency)
	require.Equal(t, "1250.5", out.Amount.String())
}

func TestVerifyResolvesCheckoutSession(t *testing.T) {
	intents := &stubIntents{intent: &gostripe.PaymentIntent{ID: "pi_7", Status: gostripe.PaymentIntentStatusSucceeded, Amount: 1000, Currency: "usd"}}
	sessions := &stubSessions{session: &gostripe.CheckoutSession{ID: "cs_1", Status: gostripe.CheckoutSessionStatusOpen}}
	p := newTestProvider(intents, sessions, &stubRefunds{})

	out, err := p.Verify(context.Background(), gateway.Verification{ExternalID: "cs_1"})
	require.NoError(t, err)
	require.False(t, out.Succeeded)
	require.Equal(t, "checkout session open", out.Reason)
	require.Empty(t, intents.gotID)

	sessions.session = &gostripe.CheckoutSession{
		ID:            "cs_1",
		Status:        gostripe.CheckoutSessionStatusComplete,
		PaymentIntent: &gostripe.PaymentIntent{ID: "pi_7"},
	}
	out, err = p.Verify(context.Background(), gateway.Verification{ExternalID: "cs_1"})
	require.NoError(t, err)
	require.True(t, out.Succeeded)
	require.Equal(t, "pi_7", intents.gotID)
	require.Equal(t, "pi_7", out.ExternalID)
}

func TestRefundMapsStatus(t *testing.T) {
	refunds := &stubRefunds{status: gostripe.RefundStatusSucceeded}
	p := newTestProvider(&stubIntents{}, &stubSessions{}, refunds)

	receipt, err := p.Refund(context.Background(), gateway.RefundOrder{
		ExternalID:     "pi_1",
		Amount:         decimal.RequireFromString("10.25"),
		Currency:       money.USD,
		Reason:         "duplicate",
		IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)
	require.Equal(t, gateway.RefundCompleted, receipt.Status)
	require.Equal(t, "re_1", receipt.RefundID)
	require.EqualValues(t, 1025, *refunds.params.Amount)
	require.Equal(t, "requested_by_customer", *refunds.params.Reason)
	require.Equal(t, "refund-1", *refunds.params.IdempotencyKey)

	refunds.status = gostripe.RefundStatusPending
	receipt, err = p.Refund(context.Background(), gateway.RefundOrder{ExternalID: "pi_1", Amount: decimal.NewFromInt(1), Currency: money.USD})
	require.NoError(t, err)
	require.Equal(t, gateway.RefundPending, receipt.Status)
}

func TestRefundThroughCheckoutSession(t *testing.T) {
	refunds := &stubRefunds{status: gostripe.RefundStatusPending}
	sessions := &stubSessions{session: &gostripe.CheckoutSession{ID: "cs_1", PaymentIntent: &gostripe.PaymentIntent{ID: "pi_7"}}}
	p := newTestProvider(&stubIntents{}, sessions, refunds)

	_, err := p.Refund(context.Background(), gateway.RefundOrder{ExternalID: "cs_1", Amount: decimal.NewFromInt(1), Currency: money.USD})
	require.NoError(t, err)
	require.Equal(t, "pi_7", *refunds.params.PaymentIntent)

	sessions.session = &gostripe.CheckoutSession{ID: "cs_1", Status: gostripe.CheckoutSessionStatusExpired}
	_, err = p.Refund(context.Background(), gateway.RefundOrder{ExternalID: "cs_1", Reference: "R", Amount: decimal.NewFromInt(1), Currency: money.USD})
	require.EqualError(t, err, "stripe: no payment intent to refund for R")
}

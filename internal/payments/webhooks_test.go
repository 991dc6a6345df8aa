package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/shared"
)

type stripeStub struct {
	notice gateway.Notice
	err    error
}

func (s stripeStub) Parse(_ []byte, signature string) (gateway.Notice, error) {
	if signature == "" {
		return gateway.Notice{}, errors.New("missing signature")
	}
	return s.notice, s.err
}

type paypalStub struct {
	notice gateway.Notice
	err    error
}

func (p paypalStub) Parse(context.Context, http.Header, []byte) (gateway.Notice, error) {
	return p.notice, p.err
}

type memoryClaims struct {
	mu    sync.Mutex
	state map[string]string
}

func (c *memoryClaims) Claim(_ context.Context, key, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		c.state = map[string]string{}
	}
	switch c.state[scope+"/"+key] {
	case "done":
		return shared.ErrIdempotencyConflict
	case "processing":
		return shared.ErrIdempotencyInProgress
	}
	c.state[scope+"/"+key] = "processing"
	return nil
}

func (c *memoryClaims) Complete(_ context.Context, key, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[scope+"/"+key] = "done"
	return nil
}

func (c *memoryClaims) Release(_ context.Context, key, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, scope+"/"+key)
	return nil
}

type applierStub struct {
	err     error
	applied []gateway.Notice
	actors  []string
	during  func()
}

func (a *applierStub) ApplyNotice(ctx context.Context, n gateway.Notice) error {
	a.applied = append(a.applied, n)
	a.actors = append(a.actors, shared.ActorFromContext(ctx))
	if a.during != nil {
		during := a.during
		a.during = nil
		during()
	}
	return a.err
}

func webhookRouter(h *WebhookHandler) http.Handler {
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func TestStripeWebhookDeduplicatesEvents(t *testing.T) {
	applier := &applierStub{}
	notice := gateway.Notice{EventID: "evt_1", EventType: "payment_intent.succeeded", Kind: gateway.NoticeSucceeded, Reference: "PAY-1"}
	h := webhookRouter(NewWebhookHandler(nil, applier, stripeStub{notice: notice}, nil, &memoryClaims{}))

	header := map[string]string{"Stripe-Signature": "t=1,v1=abc"}
	rr := do(t, h, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, header)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"received":true}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, header)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"duplicate"}`, rr.Body.String())
	require.Len(t, applier.applied, 1)
	require.Equal(t, []string{"webhook:stripe"}, applier.actors)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	applier := &applierStub{}
	h := webhookRouter(NewWebhookHandler(nil, applier, stripeStub{}, nil, nil))
	rr := do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, applier.applied)
}

func TestWebhookApplyFailureReleasesClaim(t *testing.T) {
	applier := &applierStub{err: errors.New("db down")}
	claims := &memoryClaims{}
	notice := gateway.Notice{EventID: "WH-1", Kind: gateway.NoticeFailed}
	h := webhookRouter(NewWebhookHandler(nil, applier, nil, paypalStub{notice: notice}, claims))

	rr := do(t, h, http.MethodPost, "/webhooks/paypal", `{"id":"WH-1"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	applier.err = nil
	rr = do(t, h, http.MethodPost, "/webhooks/paypal", `{"id":"WH-1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, applier.applied, 2)
}

func TestWebhookRedeliveryWhileProcessingIsRetried(t *testing.T) {
	applier := &applierStub{err: errors.New("db down")}
	claims := &memoryClaims{}
	notice := gateway.Notice{EventID: "evt_2", Kind: gateway.NoticeSucceeded, Reference: "PAY-2"}
	h := webhookRouter(NewWebhookHandler(nil, applier, stripeStub{notice: notice}, nil, claims))
	header := map[string]string{"Stripe-Signature": "sig"}

	var redelivered *httptest.ResponseRecorder
	applier.during = func() {
		redelivered = do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, header)
	}
	rr := do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, header)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotNil(t, redelivered)
	require.Equal(t, http.StatusConflict, redelivered.Code)
	require.Len(t, applier.applied, 1)

	applier.err = nil
	rr = do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, header)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"received":true}`, rr.Body.String())
	require.Len(t, applier.applied, 2)

	rr = do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, header)
	require.JSONEq(t, `{"status":"duplicate"}`, rr.Body.String())
	require.Len(t, applier.applied, 2)
}

func TestPayPalWebhookErrors(t *testing.T) {
	h := webhookRouter(NewWebhookHandler(nil, &applierStub{}, nil, paypalStub{err: gateway.Upstream("paypal", errors.New("verify timeout"))}, nil))
	rr := do(t, h, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	h = webhookRouter(NewWebhookHandler(nil, &applierStub{}, nil, paypalStub{err: errors.New("signature mismatch")}, nil))
	rr = do(t, h, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookNotConfigured(t *testing.T) {
	h := webhookRouter(NewWebhookHandler(nil, &applierStub{}, nil, nil, nil))
	rr := do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	rr = do(t, h, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhookBodyLimit(t *testing.T) {
	applier := &applierStub{}
	notice := gateway.Notice{EventID: "evt_big", Kind: gateway.NoticeSucceeded}
	h := webhookRouter(NewWebhookHandler(nil, applier, stripeStub{notice: notice}, nil, nil))
	header := map[string]string{"Stripe-Signature": "sig"}

	rr := do(t, h, http.MethodPost, "/webhooks/stripe", strings.Repeat("x", 1<<20), header)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, applier.applied, 1)

	rr = do(t, h, http.MethodPost, "/webhooks/stripe", strings.Repeat("x", 1<<20+1), header)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Len(t, applier.applied, 1)
}

func TestWebhookEndToEndSettlesPayment(t *testing.T) {
	f := newFixture(t)
	tx := f.initiate(t, f.request())
	notice := gateway.Notice{EventID: "evt_9", Kind: gateway.NoticeSucceeded, ExternalID: tx.ExternalID, CaptureID: "ch_e2e"}
	h := webhookRouter(NewWebhookHandler(nil, f.svc, stripeStub{notice: notice}, nil, &memoryClaims{}))

	rr := do(t, h, http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "sig"})
	require.Equal(t, http.StatusOK, rr.Code)
	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, stored.Status)
	require.Len(t, f.ledger.settlements, 1)
}

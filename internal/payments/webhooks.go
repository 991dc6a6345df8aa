package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/internal/shared"
)

const maxWebhookBytes = 1 << 20

// StripeParser verifies and decodes Stripe webhook payloads.
type StripeParser interface {
	Parse(payload []byte, signature string) (gateway.Notice, error)
}

// PayPalParser verifies and decodes PayPal webhook payloads.
type PayPalParser interface {
	Parse(ctx context.Context, header http.Header, payload []byte) (gateway.Notice, error)
}

// EventClaims deduplicates provider events.
type EventClaims interface {
	Claim(ctx context.Context, key, scope string) error
	Complete(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key, scope string) error
}

// NoticeApplier applies verified notices to transactions.
type NoticeApplier interface {
	ApplyNotice(ctx context.Context, n gateway.Notice) error
}

// WebhookHandler receives provider webhooks. Either parser may be nil when
// the provider is not configured.
type WebhookHandler struct {
	logger  *slog.Logger
	service NoticeApplier
	stripe  StripeParser
	paypal  PayPalParser
	claims  EventClaims
}

// NewWebhookHandler builds a WebhookHandler.
func NewWebhookHandler(logger *slog.Logger, service NoticeApplier, stripe StripeParser, paypal PayPalParser, claims EventClaims) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		logger:  logger.With(slog.String("component", "webhooks")),
		service: service,
		stripe:  stripe,
		paypal:  paypal,
		claims:  claims,
	}
}

// MountRoutes registers webhook routes.
func (h *WebhookHandler) MountRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.handleStripe)
	r.Post("/webhooks/paypal", h.handlePayPal)
}

func (h *WebhookHandler) handleStripe(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Not Configured", "stripe webhooks are not configured")
		return
	}
	payload, ok := h.read(w, r)
	if !ok {
		return
	}
	notice, err := h.stripe.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invalid Webhook", err.Error())
		return
	}
	h.apply(w, r, "webhook:stripe", notice)
}

func (h *WebhookHandler) handlePayPal(w http.ResponseWriter, r *http.Request) {
	if h.paypal == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Not Configured", "paypal webhooks are not configured")
		return
	}
	payload, ok := h.read(w, r)
	if !ok {
		return
	}
	notice, err := h.paypal.Parse(r.Context(), r.Header, payload)
	if err != nil {
		h.logger.Warn("paypal webhook rejected", slog.Any("error", err))
		if errors.Is(err, httpx.ErrUpstream) {
			httpx.RespondError(w, err)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Webhook", err.Error())
		return
	}
	h.apply(w, r, "webhook:paypal", notice)
}

func (h *WebhookHandler) read(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
		return nil, false
	}
	return payload, true
}

func (h *WebhookHandler) apply(w http.ResponseWriter, r *http.Request, scope string, notice gateway.Notice) {
	ctx := shared.ContextWithActor(r.Context(), scope)
	log := h.logger.With(slog.String("scope", scope), slog.String("event_id", notice.EventID), slog.String("type", notice.EventType))
	if h.claims != nil && notice.EventID != "" {
		if err := h.claims.Claim(ctx, notice.EventID, scope); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				log.Info("duplicate webhook event")
				httpx.JSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
				return
			}
			if errors.Is(err, shared.ErrIdempotencyInProgress) {
				log.Info("webhook event still processing")
				httpx.Problem(w, http.StatusConflict, "Conflict", "event is still being processed")
				return
			}
			log.Error("claim webhook event", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
	}
	if err := h.service.ApplyNotice(ctx, notice); err != nil {
		log.Error("apply webhook", slog.Any("error", err))
		if h.claims != nil && notice.EventID != "" {
			if rerr := h.claims.Release(context.WithoutCancel(ctx), notice.EventID, scope); rerr != nil {
				log.Warn("release webhook claim", slog.Any("error", rerr))
			}
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if h.claims != nil && notice.EventID != "" {
		if err := h.claims.Complete(context.WithoutCancel(ctx), notice.EventID, scope); err != nil {
			log.Warn("complete webhook claim", slog.Any("error", err))
		}
	}
	log.Info("webhook applied", slog.String("kind", string(notice.Kind)))
	httpx.JSON(w, http.StatusOK, map[string]any{"received": true})
}

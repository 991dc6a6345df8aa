package stripe

import (
	"encoding/json"
	"errors"
	"fmt"

	gostripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/toothpick/billing/internal/gateway"
)

// ErrInvalidSignature is returned when a webhook fails signature checks.
var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

type intentObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LatestCharge     json.RawMessage   `json:"latest_charge"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type chargeObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
	Refunds       *struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	} `json:"refunds"`
}

// WebhookVerifier checks Stripe-Signature headers.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier binds the endpoint signing secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies payload and reduces the event to a gateway.Notice.
func (v *WebhookVerifier) Parse(payload []byte, signature string) (gateway.Notice, error) {
	if v == nil || v.secret == "" {
		return gateway.Notice{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return gateway.Notice{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return noticeFromEvent(event)
}

func noticeFromEvent(event gostripe.Event) (gateway.Notice, error) {
	notice := gateway.Notice{EventID: event.ID, EventType: string(event.Type), Kind: gateway.NoticeIgnored}
	if event.Data == nil {
		return notice, nil
	}
	switch event.Type {
	case gostripe.EventTypePaymentIntentSucceeded, gostripe.EventTypePaymentIntentPaymentFailed:
		var pi intentObject
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return notice, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		notice.ExternalID = pi.ID
		notice.Reference = pi.Metadata["referenceCode"]
		if event.Type == gostripe.EventTypePaymentIntentSucceeded {
			notice.Kind = gateway.NoticeSucceeded
			notice.CaptureID = chargeID(pi.LatestCharge)
			return notice, nil
		}
		notice.Kind = gateway.NoticeFailed
		notice.Reason = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
			notice.Reason = pi.LastPaymentError.Message
		}
	case gostripe.EventTypeChargeRefunded:
		var ch chargeObject
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return notice, fmt.Errorf("stripe: decode charge: %w", err)
		}
		notice.Kind = gateway.NoticeRefunded
		notice.ExternalID = ch.PaymentIntent
		notice.CaptureID = ch.ID
		notice.Reference = ch.Metadata["referenceCode"]
		if ch.Refunds != nil {
			for _, r := range ch.Refunds.Data {
				if r.Status == string(gostripe.RefundStatusSucceeded) {
					notice.RefundIDs = append(notice.RefundIDs, r.ID)
				}
			}
		}
	}
	return notice, nil
}

// latest_charge is either an id or an expanded object.
func chargeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

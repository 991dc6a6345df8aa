package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/toothpick/billing/internal/gateway"
)

// ErrInvalidSignature is returned when PayPal rejects a webhook signature.
var ErrInvalidSignature = errors.New("paypal: invalid webhook signature")

type webhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		CustomID          string `json:"custom_id"`
		Links             []link `json:"links"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

// VerifyWebhook asks PayPal to validate the transmission headers of payload.
func (c *Client) VerifyWebhook(ctx context.Context, header http.Header, payload []byte) error {
	if c.cfg.WebhookID == "" {
		return errors.New("paypal: webhook id not configured")
	}
	hc, err := c.httpClient("", "")
	if err != nil {
		return err
	}
	body := map[string]any{
		"auth_algo":         header.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          header.Get("PAYPAL-CERT-URL"),
		"transmission_id":   header.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  header.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": header.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var res struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, hc, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, nil, &res); err != nil {
		return gateway.Upstream(providerName, err)
	}
	if res.VerificationStatus != "SUCCESS" {
		return ErrInvalidSignature
	}
	return nil
}

// Parse verifies and decodes a webhook into a gateway.Notice.
func (c *Client) Parse(ctx context.Context, header http.Header, payload []byte) (gateway.Notice, error) {
	if err := c.VerifyWebhook(ctx, header, payload); err != nil {
		return gateway.Notice{}, err
	}
	return ParseNotice(payload)
}

// ParseNotice decodes capture events. Other event types are ignored.
func ParseNotice(payload []byte) (gateway.Notice, error) {
	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return gateway.Notice{}, fmt.Errorf("paypal: decode webhook: %w", err)
	}
	notice := gateway.Notice{
		EventID:   ev.ID,
		EventType: ev.EventType,
		Kind:      gateway.NoticeIgnored,
		Reference: ev.Resource.CustomID,
	}
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		notice.Kind = gateway.NoticeSucceeded
		notice.ExternalID = ev.Resource.SupplementaryData.RelatedIDs.OrderID
		notice.CaptureID = ev.Resource.ID
	case "PAYMENT.CAPTURE.DENIED":
		notice.Kind = gateway.NoticeFailed
		notice.ExternalID = ev.Resource.SupplementaryData.RelatedIDs.OrderID
		notice.CaptureID = ev.Resource.ID
		notice.Reason = "capture denied"
		if ev.Resource.StatusDetails.Reason != "" {
			notice.Reason = "capture denied: " + ev.Resource.StatusDetails.Reason
		}
	case "PAYMENT.CAPTURE.REFUNDED":
		notice.Kind = gateway.NoticeRefunded
		notice.RefundIDs = []string{ev.Resource.ID}
		for _, l := range ev.Resource.Links {
			if l.Rel == "up" {
				notice.CaptureID = l.Href[strings.LastIndex(l.Href, "/")+1:]
			}
		}
	}
	return notice, nil
}

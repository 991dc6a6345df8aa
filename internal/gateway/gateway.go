// Package gateway abstracts the payment providers a transaction can be
// dispatched to.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// ErrUnsupportedMethod is returned when no provider serves a method type.
var ErrUnsupportedMethod = fmt.Errorf("%w: unsupported payment method", httpx.ErrUnprocessable)

// Charge asks a provider to start collecting a payment.
type Charge struct {
	Reference      string
	Method         methods.Type
	Amount         money.Amount
	Currency       money.Currency
	Description    string
	Account        methods.AccountData
	IdempotencyKey string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
}

// Dispatch is what the payer needs to complete a charge.
type Dispatch struct {
	PaymentLink  string
	ExternalID   string
	Instructions string
	ExpiresAt    *time.Time
}

// Verification asks the provider whether a charge settled.
type Verification struct {
	ExternalID string
	Reference  string
	Account    methods.AccountData
}

// Outcome is the provider's view of a charge. ExternalID, Reference, Amount
// and Currency are what the provider reports for the charge; empty values
// mean the provider did not report them.
type Outcome struct {
	Succeeded  bool
	Status     string
	CaptureID  string
	Reason     string
	ExternalID string
	Reference  string
	Amount     money.Amount
	Currency   money.Currency
}

// RefundOrder asks the provider to return funds.
type RefundOrder struct {
	ExternalID     string
	CaptureID      string
	Reference      string
	Amount         money.Amount
	Currency       money.Currency
	Reason         string
	IdempotencyKey string
	Account        methods.AccountData
}

// RefundStatus is the provider state of a refund.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// RefundReceipt is the provider's acknowledgement of a refund.
type RefundReceipt struct {
	RefundID string
	Status   RefundStatus
	Note     string
}

// Provider is implemented by every payment rail.
type Provider interface {
	Kind() methods.Type
	Create(ctx context.Context, charge Charge) (Dispatch, error)
	Verify(ctx context.Context, v Verification) (Outcome, error)
	Refund(ctx context.Context, order RefundOrder) (RefundReceipt, error)
}

// MultiKind is implemented by providers serving more than one method type.
type MultiKind interface {
	Kinds() []methods.Type
}

// Registry maps method types to providers.
type Registry struct {
	providers map[methods.Type]Provider
}

// NewRegistry registers each provider under every type it serves.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[methods.Type]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if mk, ok := p.(MultiKind); ok {
			for _, kind := range mk.Kinds() {
				r.providers[kind] = p
			}
			continue
		}
		r.providers[p.Kind()] = p
	}
	return r
}

// For returns the provider for t.
func (r *Registry) For(t methods.Type) (Provider, error) {
	p, ok := r.providers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, t)
	}
	return p, nil
}

// Types lists registered method types in stable order.
func (r *Registry) Types() []methods.Type {
	out := make([]methods.Type, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Upstream tags a provider failure so the HTTP layer reports 502.
func Upstream(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", httpx.ErrUpstream, provider, err)
}

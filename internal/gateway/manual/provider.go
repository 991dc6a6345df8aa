// Package manual handles payments settled outside any processor.
package manual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
)

const (
	defaultInstructions = "Contact the provider to arrange payment. Quote your reference when paying."
	validity            = 7 * 24 * time.Hour
)

// Provider implements gateway.Provider for manual collection.
type Provider struct {
	now func() time.Time
}

var _ gateway.Provider = (*Provider)(nil)

// New builds the manual provider.
func New() *Provider {
	return &Provider{now: time.Now}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() methods.Type { return methods.TypeManual }

// Create returns the method's own instructions, or a generic one.
func (p *Provider) Create(_ context.Context, charge gateway.Charge) (gateway.Dispatch, error) {
	instructions := strings.TrimSpace(charge.Account.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}
	instructions = fmt.Sprintf("Reference: %s\nAmount: %s %s\n\n%s",
		charge.Reference, charge.Amount.StringFixed(charge.Currency.Exponent()), charge.Currency, instructions)
	expires := p.now().Add(validity)
	return gateway.Dispatch{ExternalID: "MANUAL-" + charge.Reference, Instructions: instructions, ExpiresAt: &expires}, nil
}

// Verify never confirms automatically.
func (p *Provider) Verify(context.Context, gateway.Verification) (gateway.Outcome, error) {
	return gateway.Outcome{Status: "awaiting_confirmation", Reason: "manual verification required"}, nil
}

// Refund records a refund to be settled by hand.
func (p *Provider) Refund(context.Context, gateway.RefundOrder) (gateway.RefundReceipt, error) {
	return gateway.RefundReceipt{
		RefundID: fmt.Sprintf("MANUAL-%d", p.now().UnixMilli()),
		Status:   gateway.RefundPending,
		Note:     "manual refund pending",
	}, nil
}

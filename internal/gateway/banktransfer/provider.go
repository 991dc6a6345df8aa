// Package banktransfer issues offline transfer instructions for SPEI, Pix,
// SWIFT and local bank transfers.
package banktransfer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// ManualVerification is the outcome reason for every verification attempt.
const ManualVerification = "manual verification required for bank transfers"

type rail struct {
	prefix   string
	validity time.Duration
	check    func(gateway.Charge) error
}

var rails = map[methods.Type]rail{
	methods.TypeSPEI: {prefix: "SPEI", validity: 24 * time.Hour, check: func(c gateway.Charge) error {
		if c.Currency != money.MXN {
			return fmt.Errorf("SPEI only accepts MXN")
		}
		return methods.Method{Type: methods.TypeSPEI, AccountData: c.Account}.ValidateAccountData()
	}},
	methods.TypePIX: {prefix: "PIX", validity: 30 * time.Minute, check: func(c gateway.Charge) error {
		if c.Currency != money.BRL {
			return fmt.Errorf("pix only accepts BRL")
		}
		if c.Account.PIXKey == "" || c.Account.PIXKeyType == "" {
			return fmt.Errorf("pix key and key type are required")
		}
		return nil
	}},
	methods.TypeSWIFT: {prefix: "SWIFT", validity: 5 * 24 * time.Hour, check: func(c gateway.Charge) error {
		if c.Account.SWIFTCode == "" || c.Account.AccountNumber == "" {
			return fmt.Errorf("SWIFT code and account number are required")
		}
		return nil
	}},
	methods.TypeBankTransfer: {prefix: "BANK", validity: 3 * 24 * time.Hour, check: func(c gateway.Charge) error {
		if c.Account.AccountNumber == "" || c.Account.BankName == "" {
			return fmt.Errorf("account number and bank name are required")
		}
		return nil
	}},
}

// Provider implements gateway.Provider for bank rails.
type Provider struct {
	beneficiary string
	now         func() time.Time
}

var (
	_ gateway.Provider  = (*Provider)(nil)
	_ gateway.MultiKind = (*Provider)(nil)
)

// New builds the provider. beneficiary names the receiving business in the
// instructions.
func New(beneficiary string) *Provider {
	if beneficiary == "" {
		beneficiary = "ToothPick"
	}
	return &Provider{beneficiary: beneficiary, now: time.Now}
}

// Kind implements gateway.Provider.
func (p *Provider) Kind() methods.Type { return methods.TypeBankTransfer }

// Kinds implements gateway.MultiKind.
func (p *Provider) Kinds() []methods.Type {
	return []methods.Type{methods.TypeBankTransfer, methods.TypeSPEI, methods.TypePIX, methods.TypeSWIFT}
}

// Create renders the instructions for the charge's rail.
func (p *Provider) Create(_ context.Context, charge gateway.Charge) (gateway.Dispatch, error) {
	r, ok := rails[charge.Method]
	if !ok {
		return gateway.Dispatch{}, fmt.Errorf("%w: %s", gateway.ErrUnsupportedMethod, charge.Method)
	}
	if err := r.check(charge); err != nil {
		return gateway.Dispatch{}, fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	}
	var buf bytes.Buffer
	data := map[string]any{
		"Reference":   charge.Reference,
		"Amount":      charge.Amount.StringFixed(charge.Currency.Exponent()),
		"Currency":    string(charge.Currency),
		"Account":     charge.Account,
		"Beneficiary": p.beneficiary,
	}
	if err := instructionTemplates.ExecuteTemplate(&buf, string(charge.Method), data); err != nil {
		return gateway.Dispatch{}, fmt.Errorf("banktransfer: render instructions: %w", err)
	}
	instructions := strings.TrimSpace(buf.String())
	if extra := strings.TrimSpace(charge.Account.Instructions); extra != "" {
		instructions += "\n\n" + extra
	}
	expires := p.now().Add(r.validity)
	return gateway.Dispatch{
		ExternalID:   r.prefix + "-" + charge.Reference,
		Instructions: instructions,
		ExpiresAt:    &expires,
	}, nil
}

// Verify never confirms automatically; an operator marks the payment paid.
func (p *Provider) Verify(context.Context, gateway.Verification) (gateway.Outcome, error) {
	return gateway.Outcome{Status: "awaiting_transfer", Reason: ManualVerification}, nil
}

// Refund records a refund that an operator must wire back.
func (p *Provider) Refund(_ context.Context, order gateway.RefundOrder) (gateway.RefundReceipt, error) {
	return gateway.RefundReceipt{
		RefundID: fmt.Sprintf("REFUND-%s-%d", order.ExternalID, p.now().UnixMilli()),
		Status:   gateway.RefundPending,
		Note:     "bank transfer refunds require manual processing",
	}, nil
}

// MethodsForCountry lists the bank rails available in an ISO alpha-2 country.
func MethodsForCountry(country string) []methods.Type {
	switch strings.ToUpper(strings.TrimSpace(country)) {
	case "MX":
		return []methods.Type{methods.TypeSPEI, methods.TypeBankTransfer}
	case "BR":
		return []methods.Type{methods.TypePIX, methods.TypeBankTransfer}
	default:
		return []methods.Type{methods.TypeBankTransfer, methods.TypeSWIFT}
	}
}

// Package methods manages the payment methods an organization accepts.
package methods

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// Type enumerates supported payment rails.
type Type string

const (
	TypeStripe       Type = "stripe"
	TypePayPal       Type = "paypal"
	TypeBankTransfer Type = "bank_transfer"
	TypeSWIFT        Type = "swift"
	TypeSPEI         Type = "spei"
	TypePIX          Type = "pix"
	TypeManual       Type = "manual"
)

// Valid reports whether t is a known rail.
func (t Type) Valid() bool {
	switch t {
	case TypeStripe, TypePayPal, TypeBankTransfer, TypeSWIFT, TypeSPEI, TypePIX, TypeManual:
		return true
	}
	return false
}

// IsBank reports whether the rail settles through a bank transfer.
func (t Type) IsBank() bool {
	switch t {
	case TypeBankTransfer, TypeSWIFT, TypeSPEI, TypePIX:
		return true
	}
	return false
}

// SupportedCurrencies lists the currencies a method may be denominated in.
var SupportedCurrencies = []money.Currency{money.MXN, money.USD, money.EUR, money.BRL, money.CAD, money.GBP, money.JPY}

var (
	ErrNotFound        = fmt.Errorf("payment method %w", httpx.ErrNotFound)
	ErrInvalid         = fmt.Errorf("payment method %w", httpx.ErrValidation)
	ErrIncompatible    = fmt.Errorf("%w: payment method incompatible with request", httpx.ErrUnprocessable)
	ErrLimitExceeded   = fmt.Errorf("%w: payment method limit exceeded", httpx.ErrUnprocessable)
	ErrUnsupportedType = errors.New("unsupported payment method type")
)

// AccountData carries rail specific account details.
type AccountData struct {
	StripeAccountID    string `json:"stripe_account_id,omitempty"`
	PublishableKey     string `json:"publishable_key,omitempty"`
	PayPalClientID     string `json:"paypal_client_id,omitempty"`
	PayPalClientSecret string `json:"paypal_client_secret,omitempty"`
	BankName           string `json:"bank_name,omitempty"`
	BankCode           string `json:"bank_code,omitempty"`
	AccountNumber      string `json:"account_number,omitempty"`
	RoutingNumber      string `json:"routing_number,omitempty"`
	SWIFTCode          string `json:"swift_code,omitempty"`
	IBAN               string `json:"iban,omitempty"`
	CLABE              string `json:"clabe,omitempty"`
	PIXKey             string `json:"pix_key,omitempty"`
	PIXKeyType         string `json:"pix_key_type,omitempty" validate:"omitempty,oneof=email phone cpf random"`
	Instructions       string `json:"instructions,omitempty" validate:"max=1000"`
}

// Fees is the processing fee schedule of a method.
type Fees struct {
	Percentage decimal.Decimal `json:"percentage"`
	Fixed      money.Amount    `json:"fixed"`
	Currency   money.Currency  `json:"currency"`
}

// Limits bounds the amounts a method accepts.
type Limits struct {
	Min     money.Amount  `json:"min"`
	Max     money.Amount  `json:"max"`
	Daily   *money.Amount `json:"daily,omitempty"`
	Monthly *money.Amount `json:"monthly,omitempty"`
}

// DefaultLimits applies when a method is created without limits.
func DefaultLimits() Limits {
	return Limits{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(1_000_000)}
}

// Method is a payment method configured by an organization.
type Method struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Name           string         `json:"name" validate:"required,max=100"`
	Description    string         `json:"description,omitempty" validate:"max=500"`
	Type           Type           `json:"type" validate:"required"`
	Currency       money.Currency `json:"currency" validate:"required"`
	AccountData    AccountData    `json:"account_data"`
	Fees           Fees           `json:"fees"`
	Limits         Limits         `json:"limits"`
	Countries      []string       `json:"countries,omitempty" validate:"dive,len=2,alpha"`
	Active         bool           `json:"active"`
	Default        bool           `json:"default"`
	Sandbox        bool           `json:"sandbox"`
	CreatedBy      string         `json:"created_by,omitempty"`
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// FeeBreakdown is the result of applying a fee schedule to an amount.
type FeeBreakdown struct {
	Percentage      money.Amount `json:"percentage_fee"`
	Fixed           money.Amount `json:"fixed_fee"`
	Total           money.Amount `json:"total_fees"`
	AmountAfterFees money.Amount `json:"amount_after_fees"`
}

// DisplayName renders the method for lists and receipts.
func (m Method) DisplayName() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.Currency)
}

// CheckCompatibility explains why the method cannot take amount in currency
// from a payer in country. Country is optional.
func (m Method) CheckCompatibility(amount money.Amount, currency money.Currency, country string) error {
	if m.Currency != currency {
		return fmt.Errorf("%w: method currency %s, requested %s", ErrIncompatible, m.Currency, currency)
	}
	if amount.LessThan(m.Limits.Min) {
		return fmt.Errorf("%w: amount %s below minimum %s", ErrIncompatible, amount, m.Limits.Min)
	}
	if amount.GreaterThan(m.Limits.Max) {
		return fmt.Errorf("%w: amount %s above maximum %s", ErrIncompatible, amount, m.Limits.Max)
	}
	if len(m.Countries) > 0 && country != "" {
		if !slices.ContainsFunc(m.Countries, func(c string) bool { return strings.EqualFold(c, country) }) {
			return fmt.Errorf("%w: country %s not served", ErrIncompatible, strings.ToUpper(country))
		}
	}
	return nil
}

// IsCompatibleWith reports whether the method accepts the payment.
func (m Method) IsCompatibleWith(amount money.Amount, currency money.Currency, country string) bool {
	return m.CheckCompatibility(amount, currency, country) == nil
}

// CalculateFees applies the fee schedule to amount.
func (m Method) CalculateFees(amount money.Amount) FeeBreakdown {
	pct := money.Round(amount.Mul(m.Fees.Percentage).Div(decimal.NewFromInt(100)), m.Currency)
	fixed := money.Round(m.Fees.Fixed, m.Currency)
	total := pct.Add(fixed)
	return FeeBreakdown{
		Percentage:      pct,
		Fixed:           fixed,
		Total:           total,
		AmountAfterFees: money.Round(amount.Sub(total), m.Currency),
	}
}

// Package invoicing issues CFDI and international invoices, stamps them
// through a PAC, renders PDFs and tracks delivery.
package invoicing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// Type is the invoice document type.
type Type string

// Invoice types.
const (
	TypeCFDIIncome    Type = "cfdi_ingreso"
	TypeCFDIExpense   Type = "cfdi_egreso"
	TypeCFDITransfer  Type = "cfdi_traslado"
	TypeCFDIPayroll   Type = "cfdi_nomina"
	TypeCFDIPayment   Type = "cfdi_pago"
	TypeInternational Type = "internacional"
	TypeGlobal        Type = "global"
	TypeB2B           Type = "b2b"
	TypeB2C           Type = "b2c"
	TypeNFe           Type = "nfe"
	TypeNFCe          Type = "nfce"
	TypeEUInvoice     Type = "eu_invoice"
)

var validTypes = map[Type]bool{
	TypeCFDIIncome: true, TypeCFDIExpense: true, TypeCFDITransfer: true, TypeCFDIPayroll: true,
	TypeCFDIPayment: true, TypeInternational: true, TypeGlobal: true, TypeB2B: true,
	TypeB2C: true, TypeNFe: true, TypeNFCe: true, TypeEUInvoice: true,
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool { return validTypes[t] }

// Status is the invoice lifecycle state.
type Status string

// Invoice statuses.
const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusStamped   Status = "timbrada"
	StatusIssued    Status = "issued"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusStamped, StatusIssued, StatusCancelled, StatusError, StatusRefunded:
		return true
	}
	return false
}

// Concept defaults applied when the caller leaves them empty.
const (
	DefaultProductKey  = "01010101"
	DefaultUnitKey     = "H87"
	DefaultUnit        = "Pieza"
	DefaultTaxObject   = "02"
	DefaultCFDIUse     = "G03"
	DefaultTaxRegime   = "616"
	DefaultPaymentForm = "99"
	DefaultPaymentTerm = "PUE"
	DefaultCancelCode  = "02"

	vatTaxCode = "002"
	factorRate = "Tasa"
)

var (
	ErrNotFound         = fmt.Errorf("%w: invoice not found", httpx.ErrNotFound)
	ErrSettingsNotFound = fmt.Errorf("%w: invoice settings not found", httpx.ErrNotFound)
	ErrInvalidInput     = fmt.Errorf("%w: invalid invoice", httpx.ErrValidation)
	ErrStampFailed      = fmt.Errorf("%w: CFDI stamping failed", httpx.ErrUpstream)
	ErrCancelFailed     = fmt.Errorf("%w: CFDI cancellation failed", httpx.ErrUpstream)
	ErrNotCancellable   = fmt.Errorf("%w: invoice cannot be cancelled", httpx.ErrUnprocessable)
	ErrNoRecipient      = fmt.Errorf("%w: invoice has no recipient email", httpx.ErrUnprocessable)
	ErrPaymentNotPaid   = fmt.Errorf("%w: payment is not settled", httpx.ErrUnprocessable)
)

// ConfigError lists settings problems that block issuance.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invoice settings incomplete: " + strings.Join(e.Problems, "; ")
}

// Unwrap renders configuration gaps as 422.
func (e *ConfigError) Unwrap() error { return httpx.ErrUnprocessable }

// Issuer is copied from settings at issue time.
type Issuer struct {
	RFC        string `json:"rfc"`
	Name       string `json:"name"`
	TaxRegime  string `json:"tax_regime"`
	PostalCode string `json:"postal_code"`
}

// Receiver is the invoiced party.
type Receiver struct {
	RFC        string `json:"rfc"`
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	CFDIUse    string `json:"cfdi_use"`
	PostalCode string `json:"postal_code"`
	TaxRegime  string `json:"tax_regime"`
}

func (r *Receiver) applyDefaults() {
	r.RFC = strings.ToUpper(strings.TrimSpace(r.RFC))
	if r.CFDIUse == "" {
		r.CFDIUse = DefaultCFDIUse
	}
	if r.TaxRegime == "" {
		r.TaxRegime = DefaultTaxRegime
	}
}

// TaxTransfer is a transferred tax on one concept.
type TaxTransfer struct {
	Base       decimal.Decimal `json:"base"`
	Tax        string          `json:"tax"`
	FactorType string          `json:"factor_type"`
	Rate       decimal.Decimal `json:"rate"`
	Amount     decimal.Decimal `json:"amount"`
}

// Concept is one invoice line.
type Concept struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitValue   decimal.Decimal `json:"unit_value"`
	Amount      decimal.Decimal `json:"amount"`
	Discount    decimal.Decimal `json:"discount"`
	ProductKey  string          `json:"product_key"`
	UnitKey     string          `json:"unit_key"`
	Unit        string          `json:"unit"`
	TaxObject   string          `json:"tax_object"`
	Transfers   []TaxTransfer   `json:"transfers,omitempty"`
}

// Net is the taxable base of the concept.
func (c Concept) Net() decimal.Decimal { return c.Amount.Sub(c.Discount) }

// Taxes are the document level totals.
type Taxes struct {
	Transferred decimal.Decimal `json:"transferred"`
	Withheld    decimal.Decimal `json:"withheld"`
}

// PACData holds the stamp evidence.
type PACData struct {
	Provider         string    `json:"provider"`
	CertificateSAT   string    `json:"certificate_sat"`
	StampedAt        time.Time `json:"stamped_at"`
	SealCFD          string    `json:"seal_cfd"`
	SealSAT          string    `json:"seal_sat"`
	OriginalChainSAT string    `json:"original_chain_sat"`
}

// Cancellation records a cancelled invoice.
type Cancellation struct {
	At                time.Time `json:"at"`
	Reason            string    `json:"reason"`
	UUID              string    `json:"uuid,omitempty"`
	SubstitutionFolio string    `json:"substitution_folio,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
}

// Invoice is an issued or in-flight invoice.
type Invoice struct {
	ID                   string          `json:"id"`
	Folio                string          `json:"folio"`
	Series               string          `json:"series"`
	FullFolio            string          `json:"full_folio"`
	Type                 Type            `json:"type"`
	Status               Status          `json:"status"`
	Currency             money.Currency  `json:"currency"`
	ExchangeRate         decimal.Decimal `json:"exchange_rate"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	Discount             decimal.Decimal `json:"discount"`
	Taxes                Taxes           `json:"taxes"`
	Total                decimal.Decimal `json:"total"`
	PaymentMethod        string          `json:"payment_method"`
	PaymentForm          string          `json:"payment_form"`
	PaymentConditions    string          `json:"payment_conditions,omitempty"`
	Issuer               Issuer          `json:"issuer"`
	Receiver             Receiver        `json:"receiver"`
	Concepts             []Concept       `json:"concepts"`
	OrganizationID       string          `json:"organization_id"`
	UserID               string          `json:"user_id,omitempty"`
	OrderID              string          `json:"order_id,omitempty"`
	PatientID            string          `json:"patient_id,omitempty"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	UUID                 string          `json:"uuid,omitempty"`
	XML                  string          `json:"xml,omitempty"`
	PAC                  *PACData        `json:"pac,omitempty"`
	PDFPath              string          `json:"pdf_path,omitempty"`
	EmailSent            bool            `json:"email_sent"`
	EmailSentAt          *time.Time      `json:"email_sent_at,omitempty"`
	Cancellation         *Cancellation   `json:"cancellation,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	Error                string          `json:"error,omitempty"`
	Automatic            bool            `json:"automatic"`
	IssuedAt             time.Time       `json:"issued_at"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsCFDI reports whether the invoice is a Mexican CFDI.
func (i Invoice) IsCFDI() bool { return strings.HasPrefix(string(i.Type), "cfdi_") }

// CanBeCancelled reports whether the invoice is in a cancellable state.
func (i Invoice) CanBeCancelled() bool {
	if i.Cancellation != nil {
		return false
	}
	return i.Status == StatusStamped || i.Status == StatusIssued
}

// LogType classifies an invoice log entry.
type LogType string

// Log types.
const (
	LogCreated         LogType = "CREATED"
	LogSentToPAC       LogType = "SENT_TO_PAC"
	LogStamped         LogType = "STAMPED"
	LogPACError        LogType = "PAC_ERROR"
	LogValidated       LogType = "VALIDATED"
	LogPDFGenerated    LogType = "PDF_GENERATED"
	LogEmailSent       LogType = "EMAIL_SENT"
	LogCancelled       LogType = "CANCELLED"
	LogValidationError LogType = "VALIDATION_ERROR"
)

// Severity of a log entry.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LogEntry is one line of an invoice's history.
type LogEntry struct {
	ID             string         `json:"id"`
	InvoiceID      string         `json:"invoice_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	Type           LogType        `json:"type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	At             time.Time      `json:"at"`
}

// Filter narrows invoice listings.
type Filter struct {
	Status Status
	Type   Type
	From   *time.Time
	To     *time.Time
}

// Validate rejects unknown enum values.
func (f Filter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInput, f.Type)
	}
	return nil
}

// StatusStats aggregates invoices in one status.
type StatusStats struct {
	Status     Status           `json:"status"`
	Count      int              `json:"count"`
	Total      decimal.Decimal  `json:"total"`
	Currencies []money.Currency `json:"currencies"`
}

// IsNotFound reports whether err is a missing invoice or settings error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrSettingsNotFound)
}

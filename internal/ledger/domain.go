// Package ledger records settlements and refunds as balanced double-entry
// postings applied exactly once per idempotency key.
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// AccountKind classifies ledger accounts.
type AccountKind string

const (
	// AccountProviderClearing holds funds captured by a processor.
	AccountProviderClearing AccountKind = "provider_clearing"
	// AccountPayeePayable is owed to the receiving organization.
	AccountPayeePayable AccountKind = "payee_payable"
	// AccountPlatformRevenue accumulates fees.
	AccountPlatformRevenue AccountKind = "platform_revenue"
)

// EntryKind classifies ledger entries.
type EntryKind string

const (
	EntrySettlement EntryKind = "settlement"
	EntryRefund     EntryKind = "refund"
	EntryReversal   EntryKind = "reversal"
)

var (
	ErrUnbalanced          = fmt.Errorf("ledger entry %w: debits and credits differ", httpx.ErrValidation)
	ErrInvalidLine         = fmt.Errorf("ledger line %w", httpx.ErrValidation)
	ErrCurrencyMismatch    = fmt.Errorf("ledger line %w: currency differs from entry", httpx.ErrValidation)
	ErrIdempotencyMismatch = fmt.Errorf("%w: idempotency key reused with different content", httpx.ErrConflict)
	ErrAlreadySettled      = fmt.Errorf("%w: transaction already settled", httpx.ErrConflict)
	ErrOverRefund          = fmt.Errorf("%w: refund exceeds settled amount", httpx.ErrUnprocessable)
	ErrNotSettled          = fmt.Errorf("%w: transaction has no settlement", httpx.ErrUnprocessable)

	// ErrDuplicateKey is returned by repositories when a concurrent writer
	// stored the same idempotency key first.
	ErrDuplicateKey = errors.New("ledger: idempotency key already stored")
)

// AccountRef identifies an account by owner and kind. The currency is the
// entry currency.
type AccountRef struct {
	OrganizationID string
	Kind           AccountKind
}

func (a AccountRef) String() string {
	return a.OrganizationID + "/" + string(a.Kind)
}

// Line is a single debit or credit in minor units.
type Line struct {
	Account  AccountRef
	Currency money.Currency
	Debit    int64
	Credit   int64
}

// Entry is a balanced set of lines posted atomically.
type Entry struct {
	ID             string
	IdempotencyKey string
	TransactionID  string
	OrganizationID string
	Kind           EntryKind
	Currency       money.Currency
	Lines          []Line
	Fingerprint    string
	PostedAt       time.Time
}

// Applied reports the result of Apply.
type Applied struct {
	Entry     Entry
	Duplicate bool
}

// Position summarises the clearing movements of one transaction in minor units.
type Position struct {
	TransactionID string         `json:"transaction_id"`
	Currency      money.Currency `json:"currency"`
	Settled       int64          `json:"settled"`
	Refunded      int64          `json:"refunded"`
	Remaining     int64          `json:"remaining"`
}

// Imbalance is a currency, or a single entry, whose debits and credits differ.
type Imbalance struct {
	Currency money.Currency
	EntryID  string
	Debits   int64
	Credits  int64
}

// Validate checks the double-entry invariants.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return fmt.Errorf("ledger entry %w: idempotency key required", httpx.ErrValidation)
	}
	if !e.Currency.Valid() {
		return fmt.Errorf("ledger entry %w: %v", httpx.ErrValidation, money.ErrInvalidCurrency)
	}
	if len(e.Lines) < 2 {
		return fmt.Errorf("%w: at least two lines required", ErrInvalidLine)
	}
	var debits, credits int64
	for i, l := range e.Lines {
		if l.Currency != "" && l.Currency != e.Currency {
			return fmt.Errorf("%w: line %d is %s", ErrCurrencyMismatch, i, l.Currency)
		}
		if l.Debit < 0 || l.Credit < 0 {
			return fmt.Errorf("%w: line %d has a negative amount", ErrInvalidLine, i)
		}
		if (l.Debit == 0) == (l.Credit == 0) {
			return fmt.Errorf("%w: line %d must be either debit or credit", ErrInvalidLine, i)
		}
		if l.Account.OrganizationID == "" || l.Account.Kind == "" {
			return fmt.Errorf("%w: line %d has no account", ErrInvalidLine, i)
		}
		debits += l.Debit
		credits += l.Credit
	}
	if debits != credits || debits <= 0 {
		return fmt.Errorf("%w: debits %d credits %d", ErrUnbalanced, debits, credits)
	}
	return nil
}

// ComputeFingerprint hashes the canonical content of the entry. Identity and
// timestamps are excluded so retries of the same posting hash identically.
func (e Entry) ComputeFingerprint() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteByte('|')
	b.WriteString(e.TransactionID)
	b.WriteByte('|')
	b.WriteString(e.OrganizationID)
	b.WriteByte('|')
	b.WriteString(string(e.Currency))
	for _, l := range e.Lines {
		b.WriteByte('|')
		b.WriteString(l.Account.String())
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(l.Debit, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(l.Credit, 10))
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ClearingDebit sums debits to provider clearing.
func (e Entry) ClearingDebit() int64 {
	var total int64
	for _, l := range e.Lines {
		if l.Account.Kind == AccountProviderClearing {
			total += l.Debit
		}
	}
	return total
}

// ClearingCredit sums credits to provider clearing.
func (e Entry) ClearingCredit() int64 {
	var total int64
	for _, l := range e.Lines {
		if l.Account.Kind == AccountProviderClearing {
			total += l.Credit
		}
	}
	return total
}

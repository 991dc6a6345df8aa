// Package payments orchestrates payment transactions across providers,
// from initiation through confirmation, retries and refunds.
package payments

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusFailed, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:           {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:        {StatusPaid, StatusFailed, StatusCancelled},
	StatusFailed:            {StatusProcessing},
	StatusPaid:              {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventType labels entries in a transaction's history.
type EventType string

const (
	EventCreated              EventType = "created"
	EventProcessing           EventType = "processing"
	EventPaymentIntentCreated EventType = "payment_intent_created"
	EventPaymentConfirmed     EventType = "payment_confirmed"
	EventPaymentFailed        EventType = "payment_failed"
	EventRefundInitiated      EventType = "refund_initiated"
	EventRefundCompleted      EventType = "refund_completed"
	EventRefundFailed         EventType = "refund_failed"
	EventRetryScheduled       EventType = "retry_scheduled"
	EventCancelled            EventType = "cancelled"
)

// RefundStatus tracks a refund at the provider.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

const (
	// DefaultMaxRetries bounds dispatch attempts when a request sets none.
	DefaultMaxRetries = 3
	// MaxRetriesCeiling is the largest accepted MaxRetries.
	MaxRetriesCeiling = 10
	// DefaultRetryDelay spaces automatic retries.
	DefaultRetryDelay = 30 * time.Minute
)

var (
	ErrNotFound               = fmt.Errorf("payment transaction %w", httpx.ErrNotFound)
	ErrRefundNotFound         = fmt.Errorf("refund %w", httpx.ErrNotFound)
	ErrMethodNotFound         = fmt.Errorf("payment method %w", httpx.ErrNotFound)
	ErrInvalidRequest         = fmt.Errorf("payment request %w", httpx.ErrValidation)
	ErrIncompatibleMethod     = fmt.Errorf("%w: payment method incompatible", httpx.ErrUnprocessable)
	ErrInvalidTransition      = fmt.Errorf("%w: invalid status transition", httpx.ErrConflict)
	ErrNotRefundable          = fmt.Errorf("%w: transaction is not refundable", httpx.ErrUnprocessable)
	ErrRefundExceedsRemaining = fmt.Errorf("%w: refund exceeds remaining amount", httpx.ErrUnprocessable)
	ErrNotCancellable         = fmt.Errorf("%w: transaction cannot be cancelled", httpx.ErrUnprocessable)
	ErrConcurrentModification = fmt.Errorf("%w: transaction modified concurrently", httpx.ErrConflict)
	ErrBusy                   = fmt.Errorf("%w: transaction is being processed", httpx.ErrConflict)
	ErrDuplicateRequest       = fmt.Errorf("%w: idempotency key already used", httpx.ErrDuplicate)
	ErrProviderMismatch       = fmt.Errorf("%w: provider charge does not match transaction", httpx.ErrUnprocessable)
)

// Amount records what the payer asked for and what the method collects.
type Amount struct {
	Original          money.Amount   `json:"original"`
	Currency          money.Currency `json:"currency"`
	Converted         money.Amount   `json:"converted"`
	ConvertedCurrency money.Currency `json:"converted_currency"`
	ExchangeRate      money.Amount   `json:"exchange_rate"`
}

// Fees splits charges between the platform and the payment rail.
type Fees struct {
	Platform money.Amount   `json:"platform"`
	Payment  money.Amount   `json:"payment"`
	Total    money.Amount   `json:"total"`
	Currency money.Currency `json:"currency"`
}

// Event is one step in a transaction's history.
type Event struct {
	Type      EventType      `json:"type"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Refund is money returned to the payer.
type Refund struct {
	ID               string       `json:"id"`
	Amount           money.Amount `json:"amount"`
	Reason           string       `json:"reason"`
	ProviderRefundID string       `json:"provider_refund_id,omitempty"`
	Status           RefundStatus `json:"status"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
}

// Metadata carries request context kept for support and fraud review.
type Metadata struct {
	UserID          string `json:"user_id,omitempty"`
	OrganizationID  string `json:"organization_id,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	Country         string `json:"country,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

// Transaction is a single payment from a payer to a payee organization.
type Transaction struct {
	ID             string       `json:"id"`
	ReferenceCode  string       `json:"reference_code"`
	OrderID        string       `json:"order_id"`
	PayerID        string       `json:"payer_id"`
	PayeeID        string       `json:"payee_id"`
	MethodID       string       `json:"method_id"`
	Method         methods.Type `json:"method"`
	Amount         Amount       `json:"amount"`
	Fees           Fees         `json:"fees"`
	Status         Status       `json:"status"`
	Events         []Event      `json:"events"`
	Refunds        []Refund     `json:"refunds"`
	ExternalID     string       `json:"external_id,omitempty"`
	CaptureID      string       `json:"capture_id,omitempty"`
	PaymentLink    string       `json:"payment_link,omitempty"`
	Instructions   string       `json:"instructions,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Description    string       `json:"description,omitempty"`
	Metadata       Metadata     `json:"metadata"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	FailedAt       *time.Time   `json:"failed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Version        int          `json:"-"`
}

// Transition moves the transaction to status, stamping the first entry into
// processing, paid and failed.
func (t *Transaction) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusProcessing:
		if t.ProcessedAt == nil {
			t.ProcessedAt = &now
		}
	case StatusPaid:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case StatusFailed:
		if t.FailedAt == nil {
			t.FailedAt = &now
		}
	}
	return nil
}

// AddEvent appends to the history, stamped with the current status.
func (t *Transaction) AddEvent(kind EventType, message string, data map[string]any, now time.Time) {
	t.Events = append(t.Events, Event{
		Type:      kind,
		Status:    t.Status,
		Message:   message,
		Data:      data,
		Timestamp: now,
	})
	t.UpdatedAt = now
}

// TotalRefunded sums completed refunds.
func (t *Transaction) TotalRefunded() money.Amount {
	total := money.Amount{}
	for _, r := range t.Refunds {
		if r.Status == RefundCompleted {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// Reserved sums refunds that are pending or completed.
func (t *Transaction) Reserved() money.Amount {
	total := money.Amount{}
	for _, r := range t.Refunds {
		if r.Status != RefundFailed {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// Remaining is the converted amount not yet refunded.
func (t *Transaction) Remaining() money.Amount {
	return t.Amount.Converted.Sub(t.TotalRefunded())
}

// Unreserved is what a new refund may still claim.
func (t *Transaction) Unreserved() money.Amount {
	return t.Amount.Converted.Sub(t.Reserved())
}

// NetAmount is what the payee receives after fees.
func (t *Transaction) NetAmount() money.Amount {
	return t.Amount.Converted.Sub(t.Fees.Total)
}

// IsRefundable reports whether refunds may be requested.
func (t *Transaction) IsRefundable() bool {
	if t.Status != StatusPaid && t.Status != StatusPartiallyRefunded {
		return false
	}
	return t.Remaining().IsPositive()
}

// AddRefund appends a pending refund.
func (t *Transaction) AddRefund(amount money.Amount, reason, key string, now time.Time) *Refund {
	t.Refunds = append(t.Refunds, Refund{
		ID:             uuid.NewString(),
		Amount:         amount,
		Reason:         reason,
		Status:         RefundPending,
		IdempotencyKey: key,
		CreatedAt:      now,
	})
	t.UpdatedAt = now
	return &t.Refunds[len(t.Refunds)-1]
}

// RefundByKey finds a refund by its idempotency key.
func (t *Transaction) RefundByKey(key string) (*Refund, bool) {
	if key == "" {
		return nil, false
	}
	for i := range t.Refunds {
		if t.Refunds[i].IdempotencyKey == key {
			return &t.Refunds[i], true
		}
	}
	return nil, false
}

// RefundByID finds a refund by its own or its provider ID.
func (t *Transaction) RefundByID(id string) (*Refund, bool) {
	for i := range t.Refunds {
		if t.Refunds[i].ID == id || (id != "" && t.Refunds[i].ProviderRefundID == id) {
			return &t.Refunds[i], true
		}
	}
	return nil, false
}

// CompleteRefund marks the refund completed and updates the transaction
// status to refunded or partially_refunded.
func (t *Transaction) CompleteRefund(refundID string, now time.Time) error {
	r, ok := t.RefundByID(refundID)
	if !ok {
		return ErrRefundNotFound
	}
	if r.Status == RefundCompleted {
		return nil
	}
	if r.Status == RefundFailed {
		return fmt.Errorf("%w: refund %s already failed", ErrInvalidTransition, r.ID)
	}
	r.Status = RefundCompleted
	r.ProcessedAt = &now
	next := StatusPartiallyRefunded
	if t.TotalRefunded().GreaterThanOrEqual(t.Amount.Converted) {
		next = StatusRefunded
	}
	return t.Transition(next, now)
}

// FailRefund releases the amount a refund reserved.
func (t *Transaction) FailRefund(refundID string, now time.Time) error {
	r, ok := t.RefundByID(refundID)
	if !ok {
		return ErrRefundNotFound
	}
	if r.Status != RefundPending {
		return nil
	}
	r.Status = RefundFailed
	r.ProcessedAt = &now
	t.UpdatedAt = now
	return nil
}

// CanRetry reports whether an automatic retry may run at now.
func (t *Transaction) CanRetry(now time.Time) bool {
	if t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
		return false
	}
	return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
}

// RetriesLeft reports whether scheduling another retry keeps it runnable.
func (t *Transaction) RetriesLeft() bool {
	return t.RetryCount+1 < t.MaxRetries
}

// ScheduleRetry sets the next attempt delay from now and counts it.
func (t *Transaction) ScheduleRetry(delay time.Duration, now time.Time) {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	next := now.Add(delay)
	t.NextRetryAt = &next
	t.RetryCount++
	t.UpdatedAt = now
}

// AttemptKey is the provider idempotency key of the next dispatch.
func (t *Transaction) AttemptKey() string {
	return fmt.Sprintf("%s:attempt:%d", t.ReferenceCode, t.RetryCount+1)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewReferenceCode builds a PAY-{time}-{random} code, upper-cased.
func NewReferenceCode(now time.Time) string {
	id := uuid.New()
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = base36[int(id[i])%len(base36)]
	}
	return strings.ToUpper("PAY-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + string(suffix))
}

// NormalizeReference upper-cases a user-supplied reference code.
func NormalizeReference(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StatusStats aggregates transactions of one status.
type StatusStats struct {
	Status      Status       `json:"status"`
	Count       int          `json:"count"`
	TotalAmount money.Amount `json:"total_amount"`
	TotalFees   money.Amount `json:"total_fees"`
}

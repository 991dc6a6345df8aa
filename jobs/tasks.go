package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/toothpick/billing/internal/platform/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	TaskTypeSendEmail      = "mail:send"
	TaskPaymentsRetry      = "payments:retry"
	TaskInvoiceDeliver     = "invoice:deliver"
	TaskFXWarmup           = "fx:warmup"
	TaskIdempotencyCleanup = "idempotency:cleanup"
	TaskLedgerIntegrity    = "ledger:integrity"
)

const (
	defaultRetryLimit     = 50
	defaultRetentionHours = 24
)

// SendEmailPayload describes a transactional email.
type SendEmailPayload struct {
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	HTML        bool              `json:"html,omitempty"`
	Attachments []mail.Attachment `json:"attachments,omitempty"`
}

// PaymentsRetryPayload bounds one retry sweep.
type PaymentsRetryPayload struct {
	Limit int `json:"limit"`
}

// InvoiceDeliverPayload identifies the invoice to email.
type InvoiceDeliverPayload struct {
	InvoiceID string `json:"invoice_id"`
}

// FXWarmupPayload lists the pairs to prefetch.
type FXWarmupPayload struct {
	Base    string   `json:"base"`
	Targets []string `json:"targets"`
}

// IdempotencyCleanupPayload sets the retention in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewSendEmailTask constructs a mail:send task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	return newTask(TaskTypeSendEmail, payload)
}

// NewPaymentsRetryTask constructs a payments:retry task.
func NewPaymentsRetryTask(payload PaymentsRetryPayload) (*asynq.Task, error) {
	return newTask(TaskPaymentsRetry, payload)
}

// NewInvoiceDeliverTask constructs an invoice:deliver task.
func NewInvoiceDeliverTask(invoiceID string) (*asynq.Task, error) {
	return newTask(TaskInvoiceDeliver, InvoiceDeliverPayload{InvoiceID: invoiceID})
}

// NewFXWarmupTask constructs an fx:warmup task.
func NewFXWarmupTask(payload FXWarmupPayload) (*asynq.Task, error) {
	return newTask(TaskFXWarmup, payload)
}

// NewIdempotencyCleanupTask constructs an idempotency:cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload)
}

// NewLedgerIntegrityTask constructs a ledger:integrity task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}

func decode(t *asynq.Task, dest any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		return asynq.SkipRetry
	}
	return nil
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/invoicing"
	jobmetrics "github.com/toothpick/billing/internal/jobs"
	"github.com/toothpick/billing/internal/ledger"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/mail"
)

// ErrLedgerImbalance fails the integrity job when any posting does not balance.
var ErrLedgerImbalance = errors.New("ledger integrity: unbalanced entries")

// Mailer delivers composed emails.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// PaymentRetrier re-dispatches failed payments.
type PaymentRetrier interface {
	RetryDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// InvoiceDeliverer emails an issued invoice.
type InvoiceDeliverer interface {
	DeliverInvoice(ctx context.Context, invoiceID string) error
}

// IdempotencyCleaner purges expired idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IntegrityChecker lists unbalanced ledger postings.
type IntegrityChecker interface {
	VerifyIntegrity(ctx context.Context) ([]ledger.Imbalance, error)
}

// Deps are the services the billing jobs call into. Nil members disable the
// corresponding task.
type Deps struct {
	Mailer      Mailer
	Payments    PaymentRetrier
	Invoices    InvoiceDeliverer
	Rates       fx.RateProvider
	RateSource  fx.Source
	Idempotency IdempotencyCleaner
	Ledger      IntegrityChecker
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
}

// Jobs implements the billing task handlers.
type Jobs struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New builds the job handlers.
func New(deps Deps) *Jobs {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		deps:   deps,
		logger: logger.With(slog.String("component", "jobs")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (j *Jobs) WithClock(now func() time.Time) *Jobs {
	if now != nil {
		j.now = now
	}
	return j
}

// Handlers lists every configured task handler.
func (j *Jobs) Handlers() []TaskHandler {
	var out []TaskHandler
	add := func(typ string, enabled bool, fn asynq.HandlerFunc) {
		if enabled {
			out = append(out, TaskHandler{Type: typ, Handler: fn})
		}
	}
	add(TaskTypeSendEmail, j.deps.Mailer != nil, j.SendEmail)
	add(TaskPaymentsRetry, j.deps.Payments != nil, j.RetryPayments)
	add(TaskInvoiceDeliver, j.deps.Invoices != nil, j.DeliverInvoice)
	add(TaskFXWarmup, j.deps.Rates != nil, j.WarmRates)
	add(TaskIdempotencyCleanup, j.deps.Idempotency != nil, j.CleanupIdempotency)
	add(TaskLedgerIntegrity, j.deps.Ledger != nil, j.CheckLedger)
	return out
}

// SendEmail handles mail:send.
func (j *Jobs) SendEmail(ctx context.Context, t *asynq.Task) (err error) {
	var payload SendEmailPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if len(payload.To) == 0 {
		return fmt.Errorf("mail:send without recipients: %w", asynq.SkipRetry)
	}
	tracker := j.deps.Metrics.Track(TaskTypeSendEmail)
	defer func() { err = tracker.End(err) }()

	msg := mail.Message{To: payload.To, CC: payload.CC, Subject: payload.Subject, Attachments: payload.Attachments}
	if payload.HTML {
		msg.HTML = payload.Body
	} else {
		msg.Text = payload.Body
	}
	return j.deps.Mailer.Send(ctx, msg)
}

// RetryPayments handles payments:retry.
func (j *Jobs) RetryPayments(ctx context.Context, t *asynq.Task) (err error) {
	var payload PaymentsRetryPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultRetryLimit
	}
	tracker := j.deps.Metrics.Track(TaskPaymentsRetry)
	defer func() { err = tracker.End(err) }()

	n, err := j.deps.Payments.RetryDue(ctx, j.now(), payload.Limit)
	if err != nil {
		j.logger.Error("payment retry sweep failed", slog.Any("error", err))
		return err
	}
	if n > 0 {
		j.logger.Info("payments retried", slog.Int("count", n))
	}
	return nil
}

// DeliverInvoice handles invoice:deliver.
func (j *Jobs) DeliverInvoice(ctx context.Context, t *asynq.Task) (err error) {
	var payload InvoiceDeliverPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.InvoiceID == "" {
		return fmt.Errorf("invoice:deliver without invoice id: %w", asynq.SkipRetry)
	}
	tracker := j.deps.Metrics.Track(TaskInvoiceDeliver)
	defer func() { err = tracker.End(err) }()

	logger := j.logger.With(slog.String("invoice_id", payload.InvoiceID))
	if err := j.deps.Invoices.DeliverInvoice(ctx, payload.InvoiceID); err != nil {
		if invoicing.IsNotFound(err) || errors.Is(err, invoicing.ErrNoRecipient) {
			logger.Warn("invoice delivery dropped", slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger.Error("invoice delivery failed", slog.Any("error", err))
		return err
	}
	logger.Info("invoice delivered")
	return nil
}

// WarmRates handles fx:warmup by resolving every base/target pair, which
// fills the rate cache as a side effect.
func (j *Jobs) WarmRates(ctx context.Context, t *asynq.Task) (err error) {
	var payload FXWarmupPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	base, perr := money.ParseCurrency(payload.Base)
	if perr != nil {
		return fmt.Errorf("fx:warmup: %v: %w", perr, asynq.SkipRetry)
	}
	pairs := make([]fx.Pair, 0, len(payload.Targets))
	for _, raw := range payload.Targets {
		target, perr := money.ParseCurrency(raw)
		if perr != nil {
			return fmt.Errorf("fx:warmup: %v: %w", perr, asynq.SkipRetry)
		}
		if target != base {
			pairs = append(pairs, fx.Pair{From: base, To: target})
		}
	}
	tracker := j.deps.Metrics.Track(TaskFXWarmup)
	defer func() { err = tracker.End(err) }()

	res, err := fx.Validate(ctx, j.deps.Rates, j.deps.RateSource, pairs)
	if err != nil {
		return err
	}
	for _, gap := range res.Gaps {
		j.logger.Warn("rate warmup gap", slog.String("pair", gap.Pair), slog.String("reason", gap.Reason))
	}
	if res.Checked > 0 && len(res.Available) == 0 {
		return fmt.Errorf("fx:warmup: no rate resolved for base %s", base)
	}
	j.logger.Info("rates warmed", slog.Int("checked", res.Checked), slog.Int("available", len(res.Available)))
	return nil
}

// CleanupIdempotency handles idempotency:cleanup.
func (j *Jobs) CleanupIdempotency(ctx context.Context, t *asynq.Task) (err error) {
	var payload IdempotencyCleanupPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = defaultRetentionHours
	}
	tracker := j.deps.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.deps.Idempotency.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour)
	if err != nil {
		return err
	}
	j.logger.Info("idempotency keys purged", slog.Int64("removed", removed))
	return nil
}

// CheckLedger handles ledger:integrity.
func (j *Jobs) CheckLedger(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.deps.Metrics.Track(TaskLedgerIntegrity)
	defer func() { err = tracker.End(err) }()

	imbalances, err := j.deps.Ledger.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	for _, im := range imbalances {
		j.logger.Error("ledger imbalance",
			slog.String("currency", string(im.Currency)),
			slog.String("entry_id", im.EntryID),
			slog.Int64("debits", im.Debits),
			slog.Int64("credits", im.Credits),
		)
	}
	if len(imbalances) > 0 {
		return fmt.Errorf("%w: %d", ErrLedgerImbalance, len(imbalances))
	}
	return nil
}

// ScheduleConfig parameterises the periodic tasks.
type ScheduleConfig struct {
	RetryLimit     int
	RetentionHours int
	RateWarmups    []FXWarmupPayload
}

// Schedule returns the cron registrations for the periodic billing tasks.
func Schedule(cfg ScheduleConfig) ([]CronRegistration, error) {
	retry, err := NewPaymentsRetryTask(PaymentsRetryPayload{Limit: cfg.RetryLimit})
	if err != nil {
		return nil, err
	}
	cleanup, err := NewIdempotencyCleanupTask(IdempotencyCleanupPayload{RetentionHours: cfg.RetentionHours})
	if err != nil {
		return nil, err
	}
	out := []CronRegistration{
		{Spec: "*/5 * * * *", Task: retry},
		{Spec: "0 3 * * *", Task: cleanup},
		{Spec: "30 2 * * *", Task: NewLedgerIntegrityTask()},
	}
	for _, warm := range cfg.RateWarmups {
		if warm.Base == "" || len(warm.Targets) == 0 {
			continue
		}
		task, err := NewFXWarmupTask(warm)
		if err != nil {
			return nil, err
		}
		out = append(out, CronRegistration{Spec: "0 * * * *", Task: task})
	}
	return out, nil
}

// WarmupsFromPairs groups "USDMXN"-style pairs by base currency.
func WarmupsFromPairs(pairs []fx.Pair) []FXWarmupPayload {
	var out []FXWarmupPayload
	index := map[money.Currency]int{}
	for _, p := range pairs {
		i, ok := index[p.From]
		if !ok {
			i = len(out)
			index[p.From] = i
			out = append(out, FXWarmupPayload{Base: string(p.From)})
		}
		out[i].Targets = append(out[i].Targets, string(p.To))
	}
	return out
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/ledger"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/internal/shared"
)

// Repository persists transactions. Save must fail with
// ErrConcurrentModification when the stored version moved on.
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	Save(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	GetByReference(ctx context.Context, code string) (Transaction, error)
	FindByProviderID(ctx context.Context, id string) (Transaction, error)
	FindByIdempotencyKey(ctx context.Context, payeeID, key string) (Transaction, bool, error)
	ListByOrganization(ctx context.Context, orgID string, status Status, limit, offset int) ([]Transaction, int, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
	ListByPayer(ctx context.Context, payerID string, status Status) ([]Transaction, error)
	FindPendingRetries(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
	Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error)
}

// MethodCatalog is the slice of the method service payments rely on.
type MethodCatalog interface {
	Get(ctx context.Context, id string) (methods.Method, error)
	List(ctx context.Context, orgID string, currency money.Currency) ([]methods.Method, error)
	Resolve(ctx context.Context, orgID, methodID string, currency money.Currency) (methods.Method, error)
	CheckLimits(ctx context.Context, m methods.Method, amount money.Amount) error
	SupportsCurrency(ctx context.Context, methodID string, currency money.Currency) (bool, error)
	MarkUsed(ctx context.Context, id string)
}

// Converter converts amounts between currencies.
type Converter interface {
	Convert(ctx context.Context, amount money.Amount, from, to money.Currency, source fx.Source) (fx.Conversion, error)
}

// Providers resolves the provider for a method type.
type Providers interface {
	For(t methods.Type) (gateway.Provider, error)
}

// Ledger books settlements and refunds exactly once.
type Ledger interface {
	Settle(ctx context.Context, in ledger.Settlement) (ledger.Applied, error)
	Refund(ctx context.Context, in ledger.RefundPosting) (ledger.Applied, error)
	Position(ctx context.Context, transactionID string) (ledger.Position, error)
}

// Locker serialises work on one transaction across processes.
type Locker interface {
	AcquireWait(ctx context.Context, key string, wait time.Duration) (func(context.Context) error, error)
}

// AuditPort records operator-visible actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder counts payment and refund outcomes.
type Recorder interface {
	Payment(method, status string)
	Refund(method, status string)
}

// Options tunes the service.
type Options struct {
	// PlatformFeePct is charged on the converted amount, in percent.
	PlatformFeePct decimal.Decimal
	RetryDelay     time.Duration
	LockWait       time.Duration
	ReturnURL      string
	CancelURL      string
}

// Deps groups collaborators.
type Deps struct {
	Repo      Repository
	Methods   MethodCatalog
	Converter Converter
	Providers Providers
	Ledger    Ledger
	Locker    Locker
	Audit     AuditPort
	Recorder  Recorder
}

// Request starts a payment.
type Request struct {
	OrderID        string          `json:"order_id" validate:"required"`
	PayerID        string          `json:"payer_id" validate:"required"`
	PayeeID        string          `json:"payee_id" validate:"required"`
	MethodID       string          `json:"method_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required"`
	Description    string          `json:"description,omitempty" validate:"max=500"`
	MaxRetries     int             `json:"max_retries,omitempty" validate:"min=0,max=10"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=255"`
	FXSource       fx.Source       `json:"fx_provider,omitempty"`
	ReturnURL      string          `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL      string          `json:"cancel_url,omitempty" validate:"omitempty,url"`
	Metadata       Metadata        `json:"metadata"`
}

// Initiation is returned to the payer after dispatch.
type Initiation struct {
	TransactionID string     `json:"transaction_id"`
	ReferenceCode string     `json:"reference_code"`
	Status        Status     `json:"status"`
	PaymentLink   string     `json:"payment_link,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	Instructions  string     `json:"instructions,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Replayed      bool       `json:"replayed,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Confirmation asks for provider verification of a transaction.
type Confirmation struct {
	TransactionID string            `json:"-"`
	ExternalID    string            `json:"external_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ConfirmResult reports the state after a confirmation attempt.
type ConfirmResult struct {
	Paid   bool   `json:"paid"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// RefundRequest returns money to the payer. A nil Amount refunds the rest.
type RefundRequest struct {
	TransactionID  string           `json:"-"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Reason         string           `json:"reason" validate:"max=500"`
	IdempotencyKey string           `json:"idempotency_key,omitempty" validate:"max=255"`
}

// Page is one page of transactions.
type Page struct {
	Items      []Transaction     `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// Service orchestrates payment transactions.
type Service struct {
	repo      Repository
	methods   MethodCatalog
	converter Converter
	providers Providers
	ledger    Ledger
	locker    Locker
	audit     AuditPort
	recorder  Recorder
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the payment service. Locker, Audit and Recorder are optional.
func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	return &Service{
		repo:      deps.Repo,
		methods:   deps.Methods,
		converter: deps.Converter,
		providers: deps.Providers,
		ledger:    deps.Ledger,
		locker:    deps.Locker,
		audit:     deps.Audit,
		recorder:  deps.Recorder,
		opts:      opts,
		logger:    logger.With(slog.String("component", "payments")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func validateRequest(req Request) error {
	var problems []string
	if strings.TrimSpace(req.OrderID) == "" {
		problems = append(problems, "order_id is required")
	}
	if strings.TrimSpace(req.PayerID) == "" {
		problems = append(problems, "payer_id is required")
	}
	if strings.TrimSpace(req.PayeeID) == "" {
		problems = append(problems, "payee_id is required")
	}
	if !req.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than zero")
	}
	if !money.Currency(req.Currency).Valid() {
		problems = append(problems, "currency must be a three letter ISO code")
	}
	if req.MaxRetries < 0 || req.MaxRetries > MaxRetriesCeiling {
		problems = append(problems, fmt.Sprintf("max_retries must be between 0 and %d", MaxRetriesCeiling))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// InitiatePayment validates, prices and dispatches a new payment. A provider
// failure still returns the Initiation of the failed transaction together
// with the error.
func (s *Service) InitiatePayment(ctx context.Context, req Request) (Initiation, error) {
	if err := validateRequest(req); err != nil {
		return Initiation{}, err
	}
	if req.IdempotencyKey != "" {
		existing, found, err := s.repo.FindByIdempotencyKey(ctx, req.PayeeID, req.IdempotencyKey)
		if err != nil {
			return Initiation{}, err
		}
		if found {
			return replayed(existing), nil
		}
	}
	currency := money.Currency(req.Currency)

	method, err := s.methods.Resolve(ctx, req.PayeeID, req.MethodID, currency)
	if err != nil {
		if errors.Is(err, methods.ErrNotFound) {
			return Initiation{}, fmt.Errorf("%w: %s", ErrMethodNotFound, firstNonEmpty(req.MethodID, "no default for "+string(currency)))
		}
		return Initiation{}, err
	}
	if _, err := s.providers.For(method.Type); err != nil {
		return Initiation{}, err
	}

	conv, err := s.converter.Convert(ctx, req.Amount, currency, method.Currency, req.FXSource)
	if err != nil {
		return Initiation{}, fmt.Errorf("%w: currency conversion: %v", httpx.ErrUpstream, err)
	}
	if err := method.CheckCompatibility(conv.Amount, method.Currency, req.Metadata.Country); err != nil {
		return Initiation{}, fmt.Errorf("%w: %v", ErrIncompatibleMethod, err)
	}
	if err := s.methods.CheckLimits(ctx, method, conv.Amount); err != nil {
		if errors.Is(err, methods.ErrLimitExceeded) {
			return Initiation{}, fmt.Errorf("%w: %v", ErrIncompatibleMethod, err)
		}
		return Initiation{}, err
	}

	now := s.clock()
	tx := s.newTransaction(req, method, conv, now)
	if err := s.repo.Create(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateRequest) && req.IdempotencyKey != "" {
			existing, found, ferr := s.repo.FindByIdempotencyKey(ctx, req.PayeeID, req.IdempotencyKey)
			if ferr == nil && found {
				return replayed(existing), nil
			}
		}
		return Initiation{}, err
	}
	s.logger.Info("payment created",
		slog.String("transaction_id", tx.ID),
		slog.String("reference", tx.ReferenceCode),
		slog.String("method", string(method.Type)),
		slog.String("amount", tx.Amount.Converted.String()),
		slog.String("currency", string(tx.Amount.ConvertedCurrency)),
	)
	s.record(ctx, "payment.initiate", tx, map[string]any{"order_id": tx.OrderID})

	if err := s.dispatch(ctx, tx, method, req.ReturnURL, req.CancelURL); err != nil {
		out := initiationOf(*tx)
		out.Error = err.Error()
		return out, err
	}
	return initiationOf(*tx), nil
}

func (s *Service) newTransaction(req Request, method methods.Method, conv fx.Conversion, now time.Time) *Transaction {
	paymentFees := method.CalculateFees(conv.Amount).Total
	platformFee := money.Round(conv.Amount.Mul(s.opts.PlatformFeePct).Div(decimal.NewFromInt(100)), method.Currency)
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	meta := req.Metadata
	if meta.OrganizationID == "" {
		meta.OrganizationID = req.PayeeID
	}
	if meta.UserID == "" {
		meta.UserID = req.PayerID
	}
	tx := &Transaction{
		ID:            uuid.NewString(),
		ReferenceCode: NewReferenceCode(now),
		OrderID:       req.OrderID,
		PayerID:       req.PayerID,
		PayeeID:       req.PayeeID,
		MethodID:      method.ID,
		Method:        method.Type,
		Amount: Amount{
			Original:          req.Amount,
			Currency:          money.Currency(req.Currency),
			Converted:         conv.Amount,
			ConvertedCurrency: method.Currency,
			ExchangeRate:      conv.Rate,
		},
		Fees: Fees{
			Platform: platformFee,
			Payment:  paymentFees,
			Total:    platformFee.Add(paymentFees),
			Currency: method.Currency,
		},
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx.AddEvent(EventCreated, "payment created", map[string]any{
		"amount":   req.Amount.String(),
		"currency": req.Currency,
		"method":   string(method.Type),
	}, now)
	return tx
}

// dispatch sends tx to its provider and persists the result. Failures mark
// the transaction failed and schedule a retry while attempts remain.
func (s *Service) dispatch(ctx context.Context, tx *Transaction, method methods.Method, returnURL, cancelURL string) error {
	charge := gateway.Charge{
		Reference:      tx.ReferenceCode,
		Method:         method.Type,
		Amount:         tx.Amount.Converted,
		Currency:       tx.Amount.ConvertedCurrency,
		Description:    firstNonEmpty(tx.Description, "Payment "+tx.ReferenceCode),
		Account:        method.AccountData,
		IdempotencyKey: tx.AttemptKey(),
		ReturnURL:      firstNonEmpty(returnURL, s.opts.ReturnURL),
		CancelURL:      firstNonEmpty(cancelURL, s.opts.CancelURL),
		Metadata: map[string]string{
			"transactionId":  tx.ID,
			"organizationId": tx.PayeeID,
			"orderId":        tx.OrderID,
		},
	}
	provider, err := s.providers.For(method.Type)
	var d gateway.Dispatch
	if err == nil {
		d, err = provider.Create(ctx, charge)
	}
	now := s.clock()
	if err != nil {
		if tx.Status != StatusFailed {
			if terr := tx.Transition(StatusFailed, now); terr != nil {
				return terr
			}
		}
		tx.AddEvent(EventPaymentFailed, err.Error(), map[string]any{"attempt": tx.RetryCount + 1}, now)
		if tx.RetriesLeft() {
			tx.ScheduleRetry(s.opts.RetryDelay, now)
			tx.AddEvent(EventRetryScheduled, "retry scheduled", map[string]any{
				"retry_count":   tx.RetryCount,
				"next_retry_at": tx.NextRetryAt.Format(time.RFC3339),
			}, now)
		} else {
			tx.NextRetryAt = nil
		}
		if serr := s.repo.Save(ctx, tx); serr != nil {
			return errors.Join(err, serr)
		}
		s.count(tx, "failed")
		s.logger.Warn("payment dispatch failed",
			slog.String("transaction_id", tx.ID),
			slog.Int("retry_count", tx.RetryCount),
			slog.Any("error", err),
		)
		return err
	}

	tx.ExternalID = d.ExternalID
	tx.PaymentLink = d.PaymentLink
	tx.Instructions = d.Instructions
	tx.ExpiresAt = d.ExpiresAt
	tx.NextRetryAt = nil
	tx.Metadata.PaymentIntentID = d.ExternalID
	tx.AddEvent(EventPaymentIntentCreated, "payment dispatched to "+string(method.Type), map[string]any{
		"external_id": d.ExternalID,
		"attempt":     tx.RetryCount + 1,
	}, now)
	if err := tx.Transition(StatusProcessing, now); err != nil {
		return err
	}
	tx.AddEvent(EventProcessing, "awaiting payer", nil, now)
	if err := s.repo.Save(ctx, tx); err != nil {
		return err
	}
	s.count(tx, string(StatusProcessing))
	s.methods.MarkUsed(ctx, method.ID)
	return nil
}

// ConfirmPayment verifies a processing transaction with its provider.
// Confirming a paid transaction is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, c Confirmation) (ConfirmResult, error) {
	var out ConfirmResult
	err := s.withLock(ctx, c.TransactionID, func() error {
		tx, err := s.repo.Get(ctx, c.TransactionID)
		if err != nil {
			return err
		}
		if isSettled(tx.Status) {
			out = ConfirmResult{Paid: true, Status: tx.Status}
			return nil
		}
		if tx.Status != StatusProcessing {
			return fmt.Errorf("%w: cannot confirm a %s payment", ErrInvalidTransition, tx.Status)
		}
		if c.ExternalID != "" && tx.ExternalID != "" && c.ExternalID != tx.ExternalID {
			return fmt.Errorf("%w: external id %s is not this transaction's", ErrProviderMismatch, c.ExternalID)
		}
		method, err := s.methods.Get(ctx, tx.MethodID)
		if err != nil {
			return err
		}
		provider, err := s.providers.For(tx.Method)
		if err != nil {
			return err
		}
		outcome, err := provider.Verify(ctx, gateway.Verification{
			ExternalID: firstNonEmpty(c.ExternalID, tx.ExternalID),
			Reference:  tx.ReferenceCode,
			Account:    method.AccountData,
		})
		if err != nil {
			return err
		}
		if outcome.Succeeded {
			if err := matchOutcome(tx, outcome); err != nil {
				s.logger.Warn("provider charge rejected",
					slog.String("transaction_id", tx.ID),
					slog.String("external_id", outcome.ExternalID),
					slog.Any("error", err),
				)
				return err
			}
			if outcome.ExternalID != "" {
				tx.ExternalID = outcome.ExternalID
			}
			data := map[string]any{"provider_status": outcome.Status}
			for k, v := range c.Metadata {
				data[k] = v
			}
			if err := s.settle(ctx, &tx, outcome.CaptureID, "payment confirmed by provider", data); err != nil {
				return err
			}
			out = ConfirmResult{Paid: true, Status: tx.Status}
			return nil
		}
		// Bank and manual rails wait for an operator instead of failing.
		if tx.Method.IsBank() || tx.Method == methods.TypeManual {
			out = ConfirmResult{Status: tx.Status, Reason: outcome.Reason}
			return nil
		}
		now := s.clock()
		if err := tx.Transition(StatusFailed, now); err != nil {
			return err
		}
		tx.AddEvent(EventPaymentFailed, firstNonEmpty(outcome.Reason, "verification failed"), map[string]any{"provider_status": outcome.Status}, now)
		if err := s.repo.Save(ctx, &tx); err != nil {
			return err
		}
		s.count(&tx, "failed")
		out = ConfirmResult{Status: tx.Status, Reason: outcome.Reason}
		return nil
	})
	return out, err
}

// matchOutcome checks what the provider reported against the transaction.
// Fields the provider left empty are not compared.
func matchOutcome(tx Transaction, o gateway.Outcome) error {
	if o.Reference != "" && NormalizeReference(o.Reference) != tx.ReferenceCode {
		return fmt.Errorf("%w: reference %s", ErrProviderMismatch, o.Reference)
	}
	if o.Currency == "" {
		return nil
	}
	want := tx.Amount.ConvertedCurrency
	if o.Currency != want {
		return fmt.Errorf("%w: currency %s, expected %s", ErrProviderMismatch, o.Currency, want)
	}
	if money.ToMinor(o.Amount, want) != money.ToMinor(tx.Amount.Converted, want) {
		return fmt.Errorf("%w: amount %s %s, expected %s", ErrProviderMismatch,
			o.Amount.StringFixed(want.Exponent()), want, tx.Amount.Converted.StringFixed(want.Exponent()))
	}
	return nil
}

// MarkPaid settles a processing transaction on an operator's word.
func (s *Service) MarkPaid(ctx context.Context, txID, actor, note string) (Transaction, error) {
	if actor != "" {
		ctx = shared.ContextWithActor(ctx, actor)
	}
	var out Transaction
	err := s.withLock(ctx, txID, func() error {
		tx, err := s.repo.Get(ctx, txID)
		if err != nil {
			return err
		}
		if isSettled(tx.Status) {
			out = tx
			return nil
		}
		data := map[string]any{"actor": actor}
		if note != "" {
			data["note"] = note
		}
		if err := s.settle(ctx, &tx, "", "payment marked paid by "+firstNonEmpty(actor, "operator"), data); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err == nil {
		s.record(ctx, "payment.mark_paid", &out, map[string]any{"note": note})
	}
	return out, err
}

// settle books the settlement, then persists tx as paid. The ledger posting
// is keyed by transaction so a retried confirmation cannot book twice.
func (s *Service) settle(ctx context.Context, tx *Transaction, captureID, message string, data map[string]any) error {
	now := s.clock()
	if err := tx.Transition(StatusPaid, now); err != nil {
		return err
	}
	fees := tx.Fees.Total
	if fees.GreaterThan(tx.Amount.Converted) {
		s.logger.Warn("fees exceed amount, capping settlement fees", slog.String("transaction_id", tx.ID))
		fees = tx.Amount.Converted
	}
	if _, err := s.ledger.Settle(ctx, ledger.Settlement{
		TransactionID:  tx.ID,
		OrganizationID: tx.PayeeID,
		Currency:       tx.Amount.ConvertedCurrency,
		Gross:          tx.Amount.Converted,
		Fees:           fees,
	}); err != nil {
		return fmt.Errorf("post settlement: %w", err)
	}
	if captureID != "" {
		tx.CaptureID = captureID
	}
	tx.NextRetryAt = nil
	tx.AddEvent(EventPaymentConfirmed, message, data, now)
	if err := s.repo.Save(ctx, tx); err != nil {
		return err
	}
	s.count(tx, string(StatusPaid))
	s.logger.Info("payment settled",
		slog.String("transaction_id", tx.ID),
		slog.String("reference", tx.ReferenceCode),
		slog.String("capture_id", tx.CaptureID),
	)
	return nil
}

// FailPayment records a provider-reported failure.
func (s *Service) FailPayment(ctx context.Context, txID, reason string) (Transaction, error) {
	var out Transaction
	err := s.withLock(ctx, txID, func() error {
		tx, err := s.repo.Get(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Status == StatusFailed {
			out = tx
			return nil
		}
		now := s.clock()
		if err := tx.Transition(StatusFailed, now); err != nil {
			return err
		}
		tx.AddEvent(EventPaymentFailed, firstNonEmpty(reason, "payment failed"), nil, now)
		if err := s.repo.Save(ctx, &tx); err != nil {
			return err
		}
		s.count(&tx, "failed")
		out = tx
		return nil
	})
	return out, err
}

// CancelPayment cancels a pending or processing transaction.
func (s *Service) CancelPayment(ctx context.Context, txID, reason string) (Transaction, error) {
	var out Transaction
	err := s.withLock(ctx, txID, func() error {
		tx, err := s.repo.Get(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Status == StatusCancelled {
			out = tx
			return nil
		}
		if tx.Status != StatusPending && tx.Status != StatusProcessing {
			return fmt.Errorf("%w: status %s", ErrNotCancellable, tx.Status)
		}
		now := s.clock()
		if err := tx.Transition(StatusCancelled, now); err != nil {
			return err
		}
		tx.NextRetryAt = nil
		tx.AddEvent(EventCancelled, firstNonEmpty(reason, "cancelled"), nil, now)
		if err := s.repo.Save(ctx, &tx); err != nil {
			return err
		}
		s.count(&tx, string(StatusCancelled))
		out = tx
		return nil
	})
	if err == nil {
		s.record(ctx, "payment.cancel", &out, map[string]any{"reason": reason})
	}
	return out, err
}

// RefundPayment reserves and requests a refund. A replayed idempotency key
// returns the refund created the first time.
func (s *Service) RefundPayment(ctx context.Context, req RefundRequest) (Refund, error) {
	var out Refund
	err := s.withLock(ctx, req.TransactionID, func() error {
		tx, err := s.repo.Get(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if r, ok := tx.RefundByKey(req.IdempotencyKey); ok {
			out = *r
			return nil
		}
		if !tx.IsRefundable() {
			return fmt.Errorf("%w: status %s", ErrNotRefundable, tx.Status)
		}
		amount := tx.Remaining()
		if req.Amount != nil {
			amount = money.Round(*req.Amount, tx.Amount.ConvertedCurrency)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: refund amount must be greater than zero", ErrInvalidRequest)
		}
		if amount.GreaterThan(tx.Unreserved()) {
			return fmt.Errorf("%w: requested %s, available %s", ErrRefundExceedsRemaining, amount, tx.Unreserved())
		}
		key := req.IdempotencyKey
		if key == "" {
			key = fmt.Sprintf("%s:refund:%d", tx.ReferenceCode, len(tx.Refunds)+1)
		}

		now := s.clock()
		refundID := tx.AddRefund(amount, req.Reason, key, now).ID
		tx.AddEvent(EventRefundInitiated, firstNonEmpty(req.Reason, "refund requested"), map[string]any{
			"refund_id": refundID,
			"amount":    amount.String(),
		}, now)
		if err := s.repo.Save(ctx, &tx); err != nil {
			return err
		}

		method, err := s.methods.Get(ctx, tx.MethodID)
		var receipt gateway.RefundReceipt
		if err == nil {
			var provider gateway.Provider
			provider, err = s.providers.For(tx.Method)
			if err == nil {
				receipt, err = provider.Refund(ctx, gateway.RefundOrder{
					ExternalID:     tx.ExternalID,
					CaptureID:      tx.CaptureID,
					Reference:      tx.ReferenceCode,
					Amount:         amount,
					Currency:       tx.Amount.ConvertedCurrency,
					Reason:         req.Reason,
					IdempotencyKey: key,
					Account:        method.AccountData,
				})
			}
		}
		if err != nil || receipt.Status == gateway.RefundFailed {
			if err == nil {
				err = fmt.Errorf("%w: refund rejected: %s", httpx.ErrUpstream, firstNonEmpty(receipt.Note, "no reason given"))
			}
			if ferr := s.failRefund(ctx, &tx, refundID, err.Error()); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}

		r, _ := tx.RefundByID(refundID)
		r.ProviderRefundID = receipt.RefundID
		if receipt.Status == gateway.RefundCompleted {
			if err := s.completeRefund(ctx, &tx, refundID); err != nil {
				return err
			}
		} else if err := s.repo.Save(ctx, &tx); err != nil {
			return err
		}
		s.countRefund(&tx, refundID)
		r, _ = tx.RefundByID(refundID)
		out = *r
		return nil
	})
	if err == nil {
		s.record(ctx, "payment.refund", &Transaction{ID: req.TransactionID}, map[string]any{
			"refund_id": out.ID,
			"amount":    out.Amount.String(),
			"status":    string(out.Status),
		})
	}
	return out, err
}

func (s *Service) failRefund(ctx context.Context, tx *Transaction, refundID, reason string) error {
	now := s.clock()
	if err := tx.FailRefund(refundID, now); err != nil {
		return err
	}
	tx.AddEvent(EventRefundFailed, reason, map[string]any{"refund_id": refundID}, now)
	if err := s.repo.Save(ctx, tx); err != nil {
		return err
	}
	s.countRefund(tx, refundID)
	return nil
}

// completeRefund posts the refund to the ledger before marking it completed.
func (s *Service) completeRefund(ctx context.Context, tx *Transaction, refundID string) error {
	r, ok := tx.RefundByID(refundID)
	if !ok {
		return ErrRefundNotFound
	}
	if r.Status == RefundCompleted {
		return nil
	}
	if _, err := s.ledger.Refund(ctx, ledger.RefundPosting{
		TransactionID:  tx.ID,
		RefundID:       r.ID,
		OrganizationID: tx.PayeeID,
		Currency:       tx.Amount.ConvertedCurrency,
		Amount:         r.Amount,
	}); err != nil {
		return fmt.Errorf("post refund: %w", err)
	}
	id, amount := r.ID, r.Amount
	now := s.clock()
	if err := tx.CompleteRefund(id, now); err != nil {
		return err
	}
	tx.AddEvent(EventRefundCompleted, "refund completed", map[string]any{
		"refund_id": id,
		"amount":    amount.String(),
	}, now)
	return s.repo.Save(ctx, tx)
}

// CompleteRefund finalises a pending refund by its own or provider ID.
func (s *Service) CompleteRefund(ctx context.Context, txID, providerRefundID string) (Transaction, error) {
	var out Transaction
	err := s.withLock(ctx, txID, func() error {
		tx, err := s.repo.Get(ctx, txID)
		if err != nil {
			return err
		}
		r, ok := tx.RefundByID(providerRefundID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRefundNotFound, providerRefundID)
		}
		wasCompleted := r.Status == RefundCompleted
		refundID := r.ID
		if err := s.completeRefund(ctx, &tx, refundID); err != nil {
			return err
		}
		if !wasCompleted {
			s.countRefund(&tx, refundID)
		}
		out = tx
		return nil
	})
	return out, err
}

// RetryDue re-dispatches failed transactions whose retry time has come and
// reports how many were dispatched again.
func (s *Service) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	due, err := s.repo.FindPendingRetries(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	var (
		retried int
		errs    []error
	)
	for _, candidate := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := s.withLock(ctx, candidate.ID, func() error {
			tx, err := s.repo.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !tx.CanRetry(now) {
				return nil
			}
			method, err := s.methods.Get(ctx, tx.MethodID)
			if err != nil {
				return err
			}
			if err := s.dispatch(ctx, &tx, method, "", ""); err != nil {
				s.logger.Warn("payment retry failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
				return nil
			}
			retried++
			return nil
		})
		if err != nil && !errors.Is(err, ErrBusy) {
			errs = append(errs, fmt.Errorf("retry %s: %w", candidate.ID, err))
		}
	}
	return retried, errors.Join(errs...)
}

// ApplyNotice applies a verified provider webhook. States that no longer
// accept the notice are logged and acknowledged.
func (s *Service) ApplyNotice(ctx context.Context, n gateway.Notice) error {
	if n.Kind == gateway.NoticeIgnored {
		return nil
	}
	tx, err := s.findForNotice(ctx, n)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("webhook for unknown transaction",
				slog.String("event_id", n.EventID),
				slog.String("reference", n.Reference),
				slog.String("external_id", n.ExternalID),
			)
			return nil
		}
		return err
	}
	log := s.logger.With(slog.String("transaction_id", tx.ID), slog.String("event", n.EventType))

	switch n.Kind {
	case gateway.NoticeSucceeded:
		err = s.withLock(ctx, tx.ID, func() error {
			current, err := s.repo.Get(ctx, tx.ID)
			if err != nil {
				return err
			}
			if isSettled(current.Status) {
				return nil
			}
			if current.Status == StatusPending || current.Status == StatusFailed {
				if err := current.Transition(StatusProcessing, s.clock()); err != nil {
					return err
				}
			}
			if n.ExternalID != "" {
				current.ExternalID = n.ExternalID
			}
			return s.settle(ctx, &current, n.CaptureID, "payment confirmed by webhook", map[string]any{"event_id": n.EventID})
		})
	case gateway.NoticeFailed:
		_, err = s.FailPayment(ctx, tx.ID, n.Reason)
	case gateway.NoticeRefunded:
		for _, id := range n.RefundIDs {
			if _, ok := tx.RefundByID(id); !ok {
				log.Warn("refund notice for unknown refund", slog.String("refund_id", id))
				continue
			}
			if _, rerr := s.CompleteRefund(ctx, tx.ID, id); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}
	if errors.Is(err, ErrInvalidTransition) {
		log.Info("webhook ignored for current status", slog.Any("error", err))
		return nil
	}
	return err
}

func (s *Service) findForNotice(ctx context.Context, n gateway.Notice) (Transaction, error) {
	if n.Reference != "" {
		tx, err := s.repo.GetByReference(ctx, NormalizeReference(n.Reference))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return tx, err
		}
	}
	for _, id := range []string{n.ExternalID, n.CaptureID} {
		if id == "" {
			continue
		}
		tx, err := s.repo.FindByProviderID(ctx, id)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return tx, err
		}
	}
	return Transaction{}, ErrNotFound
}

// GetPaymentStatus loads a transaction.
func (s *Service) GetPaymentStatus(ctx context.Context, txID string) (Transaction, error) {
	return s.repo.Get(ctx, txID)
}

// GetByReference loads a transaction by its reference code.
func (s *Service) GetByReference(ctx context.Context, code string) (Transaction, error) {
	return s.repo.GetByReference(ctx, NormalizeReference(code))
}

// ListByOrganization pages through the payee's transactions, newest first.
func (s *Service) ListByOrganization(ctx context.Context, orgID string, status Status, page, perPage int) (Page, error) {
	if status != "" && !status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	page, perPage = shared.NormalizePage(page, perPage)
	p := shared.Pagination{Page: page, PerPage: perPage}
	items, total, err := s.repo.ListByOrganization(ctx, orgID, status, perPage, p.Offset())
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Pagination: shared.NewPagination(page, perPage, total)}, nil
}

// ListByOrder returns all attempts to pay an order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// ListByPayer returns the payer's transactions, optionally by status.
func (s *Service) ListByPayer(ctx context.Context, payerID string, status Status) ([]Transaction, error) {
	return s.repo.ListByPayer(ctx, payerID, status)
}

// Stats groups the payee's transactions by status.
func (s *Service) Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error) {
	return s.repo.Stats(ctx, orgID, from, to)
}

// Position reports the ledger view of a transaction.
func (s *Service) Position(ctx context.Context, txID string) (ledger.Position, error) {
	if _, err := s.repo.Get(ctx, txID); err != nil {
		return ledger.Position{}, err
	}
	return s.ledger.Position(ctx, txID)
}

// ListOrganizationMethods lists the payee's active methods.
func (s *Service) ListOrganizationMethods(ctx context.Context, orgID string, currency money.Currency) ([]methods.Method, error) {
	return s.methods.List(ctx, orgID, currency)
}

// ValidateMethodForCurrency reports whether the method is denominated in currency.
func (s *Service) ValidateMethodForCurrency(ctx context.Context, methodID string, currency money.Currency) (bool, error) {
	return s.methods.SupportsCurrency(ctx, methodID, currency)
}

func (s *Service) withLock(ctx context.Context, txID string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	release, err := s.locker.AcquireWait(ctx, shared.TransactionLockKey(txID), s.opts.LockWait)
	if err != nil {
		if errors.Is(err, shared.ErrLockNotAcquired) {
			return ErrBusy
		}
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release transaction lock", slog.String("transaction_id", txID), slog.Any("error", err))
		}
	}()
	return fn()
}

func (s *Service) record(ctx context.Context, action string, tx *Transaction, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   "payment_transaction",
		EntityID: tx.ID,
		Meta:     meta,
		At:       s.clock(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) count(tx *Transaction, status string) {
	if s.recorder != nil {
		s.recorder.Payment(string(tx.Method), status)
	}
}

func (s *Service) countRefund(tx *Transaction, refundID string) {
	if s.recorder == nil {
		return
	}
	if r, ok := tx.RefundByID(refundID); ok {
		s.recorder.Refund(string(tx.Method), string(r.Status))
	}
}

func isSettled(status Status) bool {
	return status == StatusPaid || status == StatusPartiallyRefunded || status == StatusRefunded
}

func initiationOf(tx Transaction) Initiation {
	return Initiation{
		TransactionID: tx.ID,
		ReferenceCode: tx.ReferenceCode,
		Status:        tx.Status,
		PaymentLink:   tx.PaymentLink,
		ExternalID:    tx.ExternalID,
		Instructions:  tx.Instructions,
		ExpiresAt:     tx.ExpiresAt,
	}
}

func replayed(tx Transaction) Initiation {
	out := initiationOf(tx)
	out.Replayed = true
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

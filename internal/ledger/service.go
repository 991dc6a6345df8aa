package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/internal/shared"
)

// Repository abstracts ledger persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Position(ctx context.Context, transactionID string) (Position, error)
	Balance(ctx context.Context, orgID string, kind AccountKind, currency money.Currency) (int64, error)
	Imbalances(ctx context.Context) ([]Imbalance, error)
}

// TxRepository holds the operations that run inside a posting transaction.
type TxRepository interface {
	EntryByKey(ctx context.Context, key string) (Entry, bool, error)
	LockTransaction(ctx context.Context, transactionID string) error
	SettlementExists(ctx context.Context, transactionID string) (bool, error)
	ClearingTotals(ctx context.Context, transactionID string) (settled, refunded int64, err error)
	InsertEntry(ctx context.Context, entry Entry) error
}

// AuditPort records postings.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder counts postings by kind and result.
type Recorder interface {
	LedgerEntry(kind, result string)
}

// Settlement books a captured payment.
type Settlement struct {
	TransactionID  string
	OrganizationID string
	Currency       money.Currency
	Gross          money.Amount
	Fees           money.Amount
}

// RefundPosting books money returned to the payer.
type RefundPosting struct {
	TransactionID  string
	RefundID       string
	OrganizationID string
	Currency       money.Currency
	Amount         money.Amount
}

// SettlementKey is the idempotency key of a transaction's settlement.
func SettlementKey(transactionID string) string { return "settle:" + transactionID }

// RefundKey is the idempotency key of a refund posting.
func RefundKey(refundID string) string { return "refund:" + refundID }

// Service applies entries exactly once.
type Service struct {
	repo     Repository
	audit    AuditPort
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the ledger service. audit and recorder are optional.
func NewService(repo Repository, audit AuditPort, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "ledger")),
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Apply posts entry unless its idempotency key was seen. A replay with the
// same content is reported as a duplicate; different content is rejected.
func (s *Service) Apply(ctx context.Context, entry Entry) (Applied, error) {
	if err := entry.Validate(); err != nil {
		s.record(entry.Kind, "invalid")
		s.rejected(entry, err)
		return Applied{}, err
	}
	entry.Fingerprint = entry.ComputeFingerprint()
	applied, err := s.apply(ctx, entry)
	if errors.Is(err, ErrDuplicateKey) {
		applied, err = s.apply(ctx, entry)
	}
	switch {
	case err != nil:
		s.record(entry.Kind, "rejected")
		s.rejected(entry, err)
		return Applied{}, err
	case applied.Duplicate:
		s.record(entry.Kind, "duplicate")
		return applied, nil
	}
	s.record(entry.Kind, "posted")
	s.logger.Info("ledger entry posted",
		slog.String("entry_id", applied.Entry.ID),
		slog.String("key", entry.IdempotencyKey),
		slog.String("kind", string(entry.Kind)),
		slog.String("transaction_id", entry.TransactionID),
	)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    shared.ActorFromContext(ctx),
			Action:   "ledger.post",
			Entity:   "ledger_entry",
			EntityID: applied.Entry.ID,
			Meta: map[string]any{
				"kind":           string(entry.Kind),
				"transaction_id": entry.TransactionID,
				"key":            entry.IdempotencyKey,
			},
			At: s.now(),
		})
	}
	return applied, nil
}

func (s *Service) apply(ctx context.Context, entry Entry) (Applied, error) {
	var out Applied
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if entry.TransactionID != "" {
			if err := tx.LockTransaction(ctx, entry.TransactionID); err != nil {
				return err
			}
		}
		existing, found, err := tx.EntryByKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.Fingerprint != entry.Fingerprint {
				return fmt.Errorf("%w: %s", ErrIdempotencyMismatch, entry.IdempotencyKey)
			}
			out = Applied{Entry: existing, Duplicate: true}
			return nil
		}
		switch entry.Kind {
		case EntrySettlement:
			settled, err := tx.SettlementExists(ctx, entry.TransactionID)
			if err != nil {
				return err
			}
			if settled {
				return ErrAlreadySettled
			}
		case EntryRefund:
			settled, refunded, err := tx.ClearingTotals(ctx, entry.TransactionID)
			if err != nil {
				return err
			}
			if settled == 0 {
				return ErrNotSettled
			}
			if refunded+entry.ClearingCredit() > settled {
				return fmt.Errorf("%w: settled %d, refunded %d, requested %d", ErrOverRefund, settled, refunded, entry.ClearingCredit())
			}
		}
		entry.ID = uuid.NewString()
		entry.PostedAt = s.now().UTC()
		for i := range entry.Lines {
			entry.Lines[i].Currency = entry.Currency
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		out = Applied{Entry: entry}
		return nil
	})
	return out, err
}

// Settle books gross against clearing, splitting it between payee and platform.
func (s *Service) Settle(ctx context.Context, in Settlement) (Applied, error) {
	gross := money.ToMinor(in.Gross, in.Currency)
	fees := money.ToMinor(in.Fees, in.Currency)
	if gross <= 0 || fees < 0 || fees > gross {
		return Applied{}, fmt.Errorf("ledger settlement %w: gross %d fees %d", httpx.ErrValidation, gross, fees)
	}
	lines := []Line{{Account: AccountRef{in.OrganizationID, AccountProviderClearing}, Debit: gross}}
	if net := gross - fees; net > 0 {
		lines = append(lines, Line{Account: AccountRef{in.OrganizationID, AccountPayeePayable}, Credit: net})
	}
	if fees > 0 {
		lines = append(lines, Line{Account: AccountRef{in.OrganizationID, AccountPlatformRevenue}, Credit: fees})
	}
	return s.Apply(ctx, Entry{
		IdempotencyKey: SettlementKey(in.TransactionID),
		TransactionID:  in.TransactionID,
		OrganizationID: in.OrganizationID,
		Kind:           EntrySettlement,
		Currency:       in.Currency,
		Lines:          lines,
	})
}

// Refund books money returned to the payer out of the payee's balance.
func (s *Service) Refund(ctx context.Context, in RefundPosting) (Applied, error) {
	amount := money.ToMinor(in.Amount, in.Currency)
	if amount <= 0 {
		return Applied{}, fmt.Errorf("ledger refund %w: amount must be positive", httpx.ErrValidation)
	}
	return s.Apply(ctx, Entry{
		IdempotencyKey: RefundKey(in.RefundID),
		TransactionID:  in.TransactionID,
		OrganizationID: in.OrganizationID,
		Kind:           EntryRefund,
		Currency:       in.Currency,
		Lines: []Line{
			{Account: AccountRef{in.OrganizationID, AccountPayeePayable}, Debit: amount},
			{Account: AccountRef{in.OrganizationID, AccountProviderClearing}, Credit: amount},
		},
	})
}

// Position reports settled, refunded and remaining clearing amounts.
func (s *Service) Position(ctx context.Context, transactionID string) (Position, error) {
	return s.repo.Position(ctx, transactionID)
}

// Balance returns the signed balance (debits minus credits) of an account.
func (s *Service) Balance(ctx context.Context, orgID string, kind AccountKind, currency money.Currency) (int64, error) {
	return s.repo.Balance(ctx, orgID, kind, currency)
}

// VerifyIntegrity lists currencies and entries whose postings do not balance.
func (s *Service) VerifyIntegrity(ctx context.Context) ([]Imbalance, error) {
	return s.repo.Imbalances(ctx)
}

func (s *Service) rejected(entry Entry, err error) {
	s.logger.Warn("ledger posting rejected",
		slog.String("kind", string(entry.Kind)),
		slog.String("transaction_id", entry.TransactionID),
		slog.Any("error", err),
	)
}

func (s *Service) record(kind EntryKind, result string) {
	if s.recorder != nil {
		s.recorder.LedgerEntry(string(kind), result)
	}
}

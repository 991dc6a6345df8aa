package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	entries []Entry
}

type memoryTx struct {
	repo    *memoryRepo
	pending []Entry
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.entries = append(r.entries, tx.pending...)
	return nil
}

func (r *memoryRepo) all() []Entry {
	return r.entries
}

func (r *memoryRepo) Position(_ context.Context, transactionID string) (Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := Position{TransactionID: transactionID}
	for _, e := range r.entries {
		if e.TransactionID != transactionID {
			continue
		}
		switch e.Kind {
		case EntrySettlement:
			pos.Currency = e.Currency
			pos.Settled += e.ClearingDebit()
		case EntryRefund:
			pos.Refunded += e.ClearingCredit()
		}
	}
	pos.Remaining = pos.Settled - pos.Refunded
	return pos, nil
}

func (r *memoryRepo) Balance(_ context.Context, orgID string, kind AccountKind, currency money.Currency) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var balance int64
	for _, e := range r.entries {
		if e.Currency != currency {
			continue
		}
		for _, l := range e.Lines {
			if l.Account.OrganizationID == orgID && l.Account.Kind == kind {
				balance += l.Debit - l.Credit
			}
		}
	}
	return balance, nil
}

func (r *memoryRepo) Imbalances(context.Context) ([]Imbalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Imbalance
	for _, e := range r.entries {
		var d, c int64
		for _, l := range e.Lines {
			d += l.Debit
			c += l.Credit
		}
		if d != c {
			out = append(out, Imbalance{Currency: e.Currency, EntryID: e.ID, Debits: d, Credits: c})
		}
	}
	return out, nil
}

func (t *memoryTx) EntryByKey(_ context.Context, key string) (Entry, bool, error) {
	for _, e := range t.repo.all() {
		if e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (t *memoryTx) LockTransaction(context.Context, string) error { return nil }

func (t *memoryTx) SettlementExists(_ context.Context, transactionID string) (bool, error) {
	for _, e := range t.repo.all() {
		if e.TransactionID == transactionID && e.Kind == EntrySettlement {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) ClearingTotals(_ context.Context, transactionID string) (int64, int64, error) {
	var settled, refunded int64
	for _, e := range t.repo.all() {
		if e.TransactionID != transactionID {
			continue
		}
		settled += e.ClearingDebit()
		refunded += e.ClearingCredit()
	}
	return settled, refunded, nil
}

func (t *memoryTx) InsertEntry(_ context.Context, e Entry) error {
	e.Lines = append([]Line(nil), e.Lines...)
	t.pending = append(t.pending, e)
	return nil
}

type countingRecorder struct {
	results map[string]int
}

func (c *countingRecorder) LedgerEntry(kind, result string) {
	if c.results == nil {
		c.results = map[string]int{}
	}
	c.results[kind+"/"+result]++
}

type auditSink struct {
	logs []shared.AuditLog
}

func (a *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func newTestService() (*Service, *memoryRepo, *countingRecorder, *auditSink) {
	repo := &memoryRepo{}
	rec := &countingRecorder{}
	audit := &auditSink{}
	svc := NewService(repo, audit, rec, nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return svc, repo, rec, audit
}

func settlement(gross, fees string) Settlement {
	return Settlement{
		TransactionID:  "tx-1",
		OrganizationID: "org-1",
		Currency:       money.MXN,
		Gross:          decimal.RequireFromString(gross),
		Fees:           decimal.RequireFromString(fees),
	}
}

func TestSettleReplayIsDuplicate(t *testing.T) {
	svc, repo, rec, audit := newTestService()
	ctx := context.Background()

	first, err := svc.Settle(ctx, settlement("100.00", "3.50"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Len(t, first.Entry.Lines, 3)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), first.Entry.PostedAt)

	second, err := svc.Settle(ctx, settlement("100.00", "3.50"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Entry.ID, second.Entry.ID)

	require.Len(t, repo.entries, 1)
	require.Equal(t, 1, rec.results["settlement/posted"])
	require.Equal(t, 1, rec.results["settlement/duplicate"])
	require.Len(t, audit.logs, 1)
	require.Equal(t, "ledger.post", audit.logs[0].Action)

	payable, err := svc.Balance(ctx, "org-1", AccountPayeePayable, money.MXN)
	require.NoError(t, err)
	require.Equal(t, int64(-9650), payable)
	revenue, err := svc.Balance(ctx, "org-1", AccountPlatformRevenue, money.MXN)
	require.NoError(t, err)
	require.Equal(t, int64(-350), revenue)
}

func TestSettleDifferentContentSameKeyRejected(t *testing.T) {
	svc, _, rec, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Settle(ctx, settlement("100.00", "3.50"))
	require.NoError(t, err)

	_, err = svc.Settle(ctx, settlement("120.00", "3.50"))
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
	require.ErrorIs(t, err, httpx.ErrConflict)
	require.Equal(t, 1, rec.results["settlement/rejected"])
}

func TestSettleWithoutFeesOmitsRevenueLine(t *testing.T) {
	svc, _, _, _ := newTestService()

	applied, err := svc.Settle(context.Background(), settlement("50", "0"))
	require.NoError(t, err)
	require.Len(t, applied.Entry.Lines, 2)
	for _, l := range applied.Entry.Lines {
		require.NotEqual(t, AccountPlatformRevenue, l.Account.Kind)
		require.Equal(t, money.MXN, l.Currency)
	}
}

func TestSettleRejectsFeesAboveGross(t *testing.T) {
	svc, repo, _, _ := newTestService()

	_, err := svc.Settle(context.Background(), settlement("10", "11"))
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Empty(t, repo.entries)
}

func TestRefundRequiresSettlement(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Refund(context.Background(), RefundPosting{
		TransactionID:  "tx-1",
		RefundID:       "rf-1",
		OrganizationID: "org-1",
		Currency:       money.MXN,
		Amount:         decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, ErrNotSettled)
}

func TestRefundCannotExceedSettled(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Settle(ctx, settlement("100", "3"))
	require.NoError(t, err)

	refund := func(id, amount string) error {
		_, err := svc.Refund(ctx, RefundPosting{
			TransactionID:  "tx-1",
			RefundID:       id,
			OrganizationID: "org-1",
			Currency:       money.MXN,
			Amount:         decimal.RequireFromString(amount),
		})
		return err
	}

	require.NoError(t, refund("rf-1", "60"))
	require.NoError(t, refund("rf-1", "60"))
	require.ErrorIs(t, refund("rf-2", "40.01"), ErrOverRefund)
	require.NoError(t, refund("rf-2", "40"))

	pos, err := svc.Position(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, money.MXN, pos.Currency)
	require.Equal(t, int64(10000), pos.Settled)
	require.Equal(t, int64(10000), pos.Refunded)
	require.Zero(t, pos.Remaining)
}

func TestApplyValidatesEntry(t *testing.T) {
	svc, _, rec, _ := newTestService()
	ctx := context.Background()
	org := "org-1"

	_, err := svc.Apply(ctx, Entry{
		IdempotencyKey: "k1",
		Kind:           EntryReversal,
		Currency:       money.USD,
		Lines: []Line{
			{Account: AccountRef{org, AccountPayeePayable}, Debit: 100},
			{Account: AccountRef{org, AccountProviderClearing}, Credit: 90},
		},
	})
	require.ErrorIs(t, err, ErrUnbalanced)

	_, err = svc.Apply(ctx, Entry{
		IdempotencyKey: "k2",
		Kind:           EntryReversal,
		Currency:       money.USD,
		Lines: []Line{
			{Account: AccountRef{org, AccountPayeePayable}, Currency: money.MXN, Debit: 100},
			{Account: AccountRef{org, AccountProviderClearing}, Credit: 100},
		},
	})
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = svc.Apply(ctx, Entry{
		IdempotencyKey: "k3",
		Kind:           EntryReversal,
		Currency:       money.USD,
		Lines: []Line{
			{Account: AccountRef{org, AccountPayeePayable}, Debit: 100, Credit: 100},
			{Account: AccountRef{org, AccountProviderClearing}, Credit: 0},
		},
	})
	require.ErrorIs(t, err, ErrInvalidLine)
	require.Equal(t, 3, rec.results["reversal/invalid"])
}

func TestFingerprintIgnoresIdentity(t *testing.T) {
	e := Entry{
		IdempotencyKey: "k",
		Kind:           EntrySettlement,
		Currency:       money.USD,
		Lines: []Line{
			{Account: AccountRef{"o", AccountProviderClearing}, Debit: 5},
			{Account: AccountRef{"o", AccountPayeePayable}, Credit: 5},
		},
	}
	a := e.ComputeFingerprint()
	e.ID = "different"
	e.PostedAt = time.Now()
	require.Equal(t, a, e.ComputeFingerprint())
	e.Lines[0].Debit = 6
	require.NotEqual(t, a, e.ComputeFingerprint())
}

func TestVerifyIntegrityClean(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.Settle(ctx, settlement("10", "1"))
	require.NoError(t, err)

	imbalances, err := svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, imbalances)
}

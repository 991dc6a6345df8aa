package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/db"
)

// PGRepository persists the ledger in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

var (
	_ Repository   = (*PGRepository)(nil)
	_ TxRepository = (*pgTx)(nil)
)

var postingTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn in a read-committed transaction so reads issued after
// LockTransaction see entries committed by the previous lock holder.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, postingTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// Position sums clearing movements for a transaction.
func (r *PGRepository) Position(ctx context.Context, transactionID string) (Position, error) {
	pos := Position{TransactionID: transactionID}
	var currency *string
	err := r.pool.QueryRow(ctx, `SELECT
			MAX(e.currency) FILTER (WHERE e.kind = 'settlement'),
			COALESCE(SUM(l.debit) FILTER (WHERE e.kind = 'settlement'), 0),
			COALESCE(SUM(l.credit) FILTER (WHERE e.kind = 'refund'), 0)
		FROM ledger_entries e
		JOIN ledger_lines l ON l.entry_id = e.id
		JOIN ledger_accounts a ON a.id = l.account_id
		WHERE e.transaction_id = $1 AND a.kind = 'provider_clearing'`, transactionID).
		Scan(&currency, &pos.Settled, &pos.Refunded)
	if err != nil {
		return Position{}, fmt.Errorf("ledger: position: %w", err)
	}
	if currency != nil {
		pos.Currency = money.Currency(*currency)
	}
	pos.Remaining = pos.Settled - pos.Refunded
	return pos, nil
}

// Balance returns debits minus credits for an account.
func (r *PGRepository) Balance(ctx context.Context, orgID string, kind AccountKind, currency money.Currency) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit - l.credit), 0)
		FROM ledger_lines l
		JOIN ledger_accounts a ON a.id = l.account_id
		WHERE a.organization_id = $1 AND a.kind = $2 AND a.currency = $3`,
		orgID, string(kind), string(currency)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// Imbalances reports unbalanced currencies followed by unbalanced entries.
func (r *PGRepository) Imbalances(ctx context.Context) ([]Imbalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.currency, '' AS entry_id, SUM(l.debit), SUM(l.credit)
		FROM ledger_lines l JOIN ledger_entries e ON e.id = l.entry_id
		GROUP BY e.currency
		HAVING SUM(l.debit) <> SUM(l.credit)
		UNION ALL
		SELECT e.currency, e.id::text, SUM(l.debit), SUM(l.credit)
		FROM ledger_lines l JOIN ledger_entries e ON e.id = l.entry_id
		GROUP BY e.currency, e.id
		HAVING SUM(l.debit) <> SUM(l.credit)
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("ledger: imbalances: %w", err)
	}
	defer rows.Close()
	var out []Imbalance
	for rows.Next() {
		var (
			imb      Imbalance
			currency string
		)
		if err := rows.Scan(&currency, &imb.EntryID, &imb.Debits, &imb.Credits); err != nil {
			return nil, err
		}
		imb.Currency = money.Currency(currency)
		out = append(out, imb)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EntryByKey(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e              Entry
		kind, currency string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, idempotency_key, transaction_id, organization_id, kind, currency, fingerprint, posted_at
		FROM ledger_entries WHERE idempotency_key = $1`, key).
		Scan(&e.ID, &e.IdempotencyKey, &e.TransactionID, &e.OrganizationID, &kind, &currency, &e.Fingerprint, &e.PostedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Kind = EntryKind(kind)
	e.Currency = money.Currency(currency)
	return e, true, nil
}

func (t *pgTx) LockTransaction(ctx context.Context, transactionID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "ledger:"+transactionID)
	return err
}

func (t *pgTx) SettlementExists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE transaction_id = $1 AND kind = 'settlement')`,
		transactionID).Scan(&exists)
	return exists, err
}

func (t *pgTx) ClearingTotals(ctx context.Context, transactionID string) (int64, int64, error) {
	var settled, refunded int64
	err := t.tx.QueryRow(ctx, `SELECT
			COALESCE(SUM(l.debit) FILTER (WHERE e.kind = 'settlement'), 0),
			COALESCE(SUM(l.credit) FILTER (WHERE e.kind = 'refund'), 0)
		FROM ledger_entries e
		JOIN ledger_lines l ON l.entry_id = e.id
		JOIN ledger_accounts a ON a.id = l.account_id
		WHERE e.transaction_id = $1 AND a.kind = 'provider_clearing'`, transactionID).Scan(&settled, &refunded)
	return settled, refunded, err
}

func (t *pgTx) InsertEntry(ctx context.Context, e Entry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_entries
		(id, idempotency_key, transaction_id, organization_id, kind, currency, fingerprint, posted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.IdempotencyKey, e.TransactionID, e.OrganizationID, string(e.Kind), string(e.Currency), e.Fingerprint, e.PostedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "ledger_entries_idempotency_key_key") {
			return ErrDuplicateKey
		}
		if db.IsUniqueViolation(err, "ledger_entries_one_settlement") {
			return ErrAlreadySettled
		}
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	for _, l := range e.Lines {
		accountID, err := t.ensureAccount(ctx, l.Account, e.Currency)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_lines (entry_id, account_id, debit, credit) VALUES ($1,$2,$3,$4)`,
			e.ID, accountID, l.Debit, l.Credit); err != nil {
			return fmt.Errorf("ledger: insert line: %w", err)
		}
	}
	return nil
}

func (t *pgTx) ensureAccount(ctx context.Context, ref AccountRef, currency money.Currency) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `INSERT INTO ledger_accounts (organization_id, kind, currency)
		VALUES ($1,$2,$3)
		ON CONFLICT (organization_id, kind, currency) DO UPDATE SET kind = EXCLUDED.kind
		RETURNING id::text`, ref.OrganizationID, string(ref.Kind), string(currency)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ledger: ensure account %s: %w", ref, err)
	}
	return id, nil
}

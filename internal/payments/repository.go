package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/db"
)

var _ Repository = (*PGRepository)(nil)

// PGRepository stores transactions in PostgreSQL. Events, refunds and
// metadata are kept as jsonb on the transaction row.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const txColumns = `id, reference_code, order_id, payer_id, payee_id, method_id, method_type,
	original_amount, original_currency, converted_amount, converted_currency, exchange_rate,
	platform_fee, payment_fee, total_fees, fee_currency, status, events, refunds,
	external_id, capture_id, payment_link, instructions, expires_at,
	retry_count, max_retries, next_retry_at, idempotency_key, description, metadata,
	processed_at, completed_at, failed_at, created_at, updated_at, version`

// Create inserts tx at version 1.
func (r *PGRepository) Create(ctx context.Context, tx *Transaction) error {
	tx.Version = 1
	_, err := r.pool.Exec(ctx, `INSERT INTO payment_transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,NULLIF($28,''),$29,$30,$31,$32,$33,$34,$35,$36)`,
		tx.ID, tx.ReferenceCode, tx.OrderID, tx.PayerID, tx.PayeeID, tx.MethodID, string(tx.Method),
		tx.Amount.Original, string(tx.Amount.Currency), tx.Amount.Converted, string(tx.Amount.ConvertedCurrency), tx.Amount.ExchangeRate,
		tx.Fees.Platform, tx.Fees.Payment, tx.Fees.Total, string(tx.Fees.Currency), string(tx.Status), tx.Events, tx.Refunds,
		tx.ExternalID, tx.CaptureID, tx.PaymentLink, tx.Instructions, tx.ExpiresAt,
		tx.RetryCount, tx.MaxRetries, tx.NextRetryAt, tx.IdempotencyKey, tx.Description, tx.Metadata,
		tx.ProcessedAt, tx.CompletedAt, tx.FailedAt, tx.CreatedAt, tx.UpdatedAt, tx.Version)
	if err != nil {
		if db.IsUniqueViolation(err, "payment_transactions_idempotency_uniq") {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("payments: insert transaction: %w", err)
	}
	return nil
}

// Save writes the mutable state of tx if its version is current and bumps it.
func (r *PGRepository) Save(ctx context.Context, tx *Transaction) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payment_transactions SET
			status=$3, events=$4, refunds=$5, external_id=$6, capture_id=$7, payment_link=$8,
			instructions=$9, expires_at=$10, retry_count=$11, next_retry_at=$12, metadata=$13,
			processed_at=$14, completed_at=$15, failed_at=$16, updated_at=$17, version=version+1
		WHERE id=$1 AND version=$2`,
		tx.ID, tx.Version, string(tx.Status), tx.Events, tx.Refunds, tx.ExternalID, tx.CaptureID, tx.PaymentLink,
		tx.Instructions, tx.ExpiresAt, tx.RetryCount, tx.NextRetryAt, tx.Metadata,
		tx.ProcessedAt, tx.CompletedAt, tx.FailedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: save transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, tx.ID, tx.Version)
	}
	tx.Version++
	return nil
}

// Get loads a transaction by ID.
func (r *PGRepository) Get(ctx context.Context, id string) (Transaction, error) {
	return r.one(ctx, `WHERE id::text=$1`, id)
}

// GetByReference loads a transaction by reference code.
func (r *PGRepository) GetByReference(ctx context.Context, code string) (Transaction, error) {
	return r.one(ctx, `WHERE reference_code=$1`, strings.ToUpper(code))
}

// FindByProviderID matches the provider's payment or capture ID.
func (r *PGRepository) FindByProviderID(ctx context.Context, id string) (Transaction, error) {
	return r.one(ctx, `WHERE external_id=$1 OR capture_id=$1 ORDER BY created_at DESC LIMIT 1`, id)
}

// FindByIdempotencyKey returns the payee's transaction created with key.
func (r *PGRepository) FindByIdempotencyKey(ctx context.Context, payeeID, key string) (Transaction, bool, error) {
	tx, err := r.one(ctx, `WHERE payee_id=$1 AND idempotency_key=$2`, payeeID, key)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, true, nil
}

// ListByOrganization pages the payee's transactions, newest first.
func (r *PGRepository) ListByOrganization(ctx context.Context, orgID string, status Status, limit, offset int) ([]Transaction, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_transactions
		WHERE payee_id=$1 AND ($2='' OR status=$2)`, orgID, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("payments: count: %w", err)
	}
	items, err := r.many(ctx, `WHERE payee_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, orgID, string(status), limit, offset)
	return items, total, err
}

// ListByOrder returns every transaction for an order, newest first.
func (r *PGRepository) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	return r.many(ctx, `WHERE order_id=$1 ORDER BY created_at DESC`, orderID)
}

// ListByPayer returns the payer's transactions, newest first.
func (r *PGRepository) ListByPayer(ctx context.Context, payerID string, status Status) ([]Transaction, error) {
	return r.many(ctx, `WHERE payer_id=$1 AND ($2='' OR status=$2) ORDER BY created_at DESC`, payerID, string(status))
}

// FindPendingRetries lists failed transactions whose retry is due.
func (r *PGRepository) FindPendingRetries(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	return r.many(ctx, `WHERE status='failed' AND retry_count < max_retries
		AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at LIMIT $2`, now, limit)
}

// Stats groups the payee's transactions by status.
func (r *PGRepository) Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(converted_amount),0), COALESCE(SUM(total_fees),0)
		FROM payment_transactions
		WHERE payee_id=$1
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
		GROUP BY status ORDER BY status`, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("payments: stats: %w", err)
	}
	defer rows.Close()
	var out []StatusStats
	for rows.Next() {
		var (
			st     StatusStats
			status string
		)
		if err := rows.Scan(&status, &st.Count, &st.TotalAmount, &st.TotalFees); err != nil {
			return nil, err
		}
		st.Status = Status(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *PGRepository) one(ctx context.Context, where string, args ...any) (Transaction, error) {
	tx, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("payments: load transaction: %w", err)
	}
	return tx, nil
}

func (r *PGRepository) many(ctx context.Context, where string, args ...any) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+txColumns+` FROM payment_transactions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("payments: list transactions: %w", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                                      Transaction
		method, currency, converted, feeCur, st string
		idemKey                                 *string
	)
	err := row.Scan(&tx.ID, &tx.ReferenceCode, &tx.OrderID, &tx.PayerID, &tx.PayeeID, &tx.MethodID, &method,
		&tx.Amount.Original, &currency, &tx.Amount.Converted, &converted, &tx.Amount.ExchangeRate,
		&tx.Fees.Platform, &tx.Fees.Payment, &tx.Fees.Total, &feeCur, &st, &tx.Events, &tx.Refunds,
		&tx.ExternalID, &tx.CaptureID, &tx.PaymentLink, &tx.Instructions, &tx.ExpiresAt,
		&tx.RetryCount, &tx.MaxRetries, &tx.NextRetryAt, &idemKey, &tx.Description, &tx.Metadata,
		&tx.ProcessedAt, &tx.CompletedAt, &tx.FailedAt, &tx.CreatedAt, &tx.UpdatedAt, &tx.Version)
	if err != nil {
		return Transaction{}, err
	}
	tx.Method = methods.Type(method)
	tx.Amount.Currency = money.Currency(currency)
	tx.Amount.ConvertedCurrency = money.Currency(converted)
	tx.Fees.Currency = money.Currency(feeCur)
	tx.Status = Status(st)
	if idemKey != nil {
		tx.IdempotencyKey = *idemKey
	}
	return tx, nil
}

package methods

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/db"
)

// Repository defines payment method persistence.
type Repository interface {
	Create(ctx context.Context, m Method) (Method, error)
	Update(ctx context.Context, m Method) (Method, error)
	Get(ctx context.Context, id string) (Method, error)
	ListByOrganization(ctx context.Context, orgID string, currency money.Currency) ([]Method, error)
	FindDefault(ctx context.Context, orgID string, currency money.Currency) (Method, error)
	Supported(ctx context.Context, currency money.Currency, country string) ([]Method, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Volume(ctx context.Context, id string, since time.Time) (money.Amount, error)
}

var _ Repository = (*PGRepository)(nil)

// PGRepository stores methods in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const methodColumns = `id, organization_id, name, description, type, currency, account_data,
	fee_percentage, fee_fixed, fee_currency, limit_min, limit_max, limit_daily, limit_monthly,
	countries, active, is_default, sandbox, created_by, last_used_at, created_at, updated_at`

// Create inserts m, clearing other defaults for the same organization and currency.
func (r *PGRepository) Create(ctx context.Context, m Method) (Method, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if m.Default {
			if err := clearDefault(ctx, tx, m); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO payment_methods (`+methodColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			m.ID, m.OrganizationID, m.Name, m.Description, string(m.Type), string(m.Currency), m.AccountData,
			m.Fees.Percentage, m.Fees.Fixed, string(m.Fees.Currency), m.Limits.Min, m.Limits.Max,
			nullable(m.Limits.Daily), nullable(m.Limits.Monthly),
			countries(m.Countries), m.Active, m.Default, m.Sandbox, m.CreatedBy, m.LastUsedAt, m.CreatedAt, m.UpdatedAt)
		return err
	})
	if err != nil {
		return Method{}, fmt.Errorf("methods: create: %w", err)
	}
	return m, nil
}

// Update overwrites the mutable fields of m.
func (r *PGRepository) Update(ctx context.Context, m Method) (Method, error) {
	m.UpdatedAt = time.Now().UTC()
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if m.Default {
			if err := clearDefault(ctx, tx, m); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `UPDATE payment_methods SET
			name=$2, description=$3, account_data=$4, fee_percentage=$5, fee_fixed=$6, fee_currency=$7,
			limit_min=$8, limit_max=$9, limit_daily=$10, limit_monthly=$11, countries=$12,
			active=$13, is_default=$14, sandbox=$15, updated_at=$16
			WHERE id=$1`,
			m.ID, m.Name, m.Description, m.AccountData, m.Fees.Percentage, m.Fees.Fixed, string(m.Fees.Currency),
			m.Limits.Min, m.Limits.Max, nullable(m.Limits.Daily), nullable(m.Limits.Monthly), countries(m.Countries),
			m.Active, m.Default, m.Sandbox, m.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return Method{}, err
	}
	return m, nil
}

func clearDefault(ctx context.Context, tx pgx.Tx, m Method) error {
	_, err := tx.Exec(ctx, `UPDATE payment_methods SET is_default=false, updated_at=now()
		WHERE organization_id=$1 AND currency=$2 AND id<>$3 AND is_default`,
		m.OrganizationID, string(m.Currency), m.ID)
	return err
}

// Get loads a method by id.
func (r *PGRepository) Get(ctx context.Context, id string) (Method, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+methodColumns+` FROM payment_methods WHERE id=$1`, id)
	m, err := scanMethod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Method{}, ErrNotFound
	}
	return m, err
}

// ListByOrganization returns active methods, default first then newest.
func (r *PGRepository) ListByOrganization(ctx context.Context, orgID string, currency money.Currency) ([]Method, error) {
	query := `SELECT ` + methodColumns + ` FROM payment_methods WHERE organization_id=$1 AND active`
	args := []any{orgID}
	if currency != "" {
		query += ` AND currency=$2`
		args = append(args, string(currency))
	}
	query += ` ORDER BY is_default DESC, created_at DESC`
	return r.list(ctx, query, args...)
}

// FindDefault returns the organization's active default method for currency.
func (r *PGRepository) FindDefault(ctx context.Context, orgID string, currency money.Currency) (Method, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+methodColumns+` FROM payment_methods
		WHERE organization_id=$1 AND currency=$2 AND active AND is_default LIMIT 1`, orgID, string(currency))
	m, err := scanMethod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Method{}, ErrNotFound
	}
	return m, err
}

// Supported lists active methods for currency across organizations, optionally
// restricted to methods serving country.
func (r *PGRepository) Supported(ctx context.Context, currency money.Currency, country string) ([]Method, error) {
	query := `SELECT ` + methodColumns + ` FROM payment_methods WHERE active AND currency=$1`
	args := []any{string(currency)}
	if country != "" {
		query += ` AND (cardinality(countries) = 0 OR $2 = ANY(countries))`
		args = append(args, strings.ToUpper(country))
	}
	query += ` ORDER BY is_default DESC, created_at DESC`
	return r.list(ctx, query, args...)
}

// TouchLastUsed records the last time a method handled a payment.
func (r *PGRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE payment_methods SET last_used_at=$2 WHERE id=$1`, id, at)
	return err
}

// Volume sums converted amounts of live transactions through the method since.
func (r *PGRepository) Volume(ctx context.Context, id string, since time.Time) (money.Amount, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(converted_amount), 0) FROM payment_transactions
		WHERE method_id=$1 AND created_at >= $2 AND status IN ('processing','paid','partially_refunded')`,
		id, since).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("methods: volume: %w", err)
	}
	return total, nil
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Method, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Method
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMethod(row pgx.Row) (Method, error) {
	var (
		m              Method
		typ, currency  string
		feeCurrency    string
		daily, monthly decimal.NullDecimal
	)
	err := row.Scan(&m.ID, &m.OrganizationID, &m.Name, &m.Description, &typ, &currency, &m.AccountData,
		&m.Fees.Percentage, &m.Fees.Fixed, &feeCurrency, &m.Limits.Min, &m.Limits.Max, &daily, &monthly,
		&m.Countries, &m.Active, &m.Default, &m.Sandbox, &m.CreatedBy, &m.LastUsedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Method{}, err
	}
	m.Type = Type(typ)
	m.Currency = money.Currency(currency)
	m.Fees.Currency = money.Currency(feeCurrency)
	if daily.Valid {
		m.Limits.Daily = &daily.Decimal
	}
	if monthly.Valid {
		m.Limits.Monthly = &monthly.Decimal
	}
	return m, nil
}

func nullable(v *money.Amount) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func countries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(c)))
	}
	return out
}

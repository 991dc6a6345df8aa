package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/db"
)

var _ Repository = (*PGRepository)(nil)

// ErrDuplicateFolio is returned when a folio is reused within a series.
var ErrDuplicateFolio = errors.New("invoicing: duplicate folio")

// PGRepository stores invoicing data in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Settings loads an organization's settings with the current folio of each series.
func (r *PGRepository) Settings(ctx context.Context, orgID string) (Settings, error) {
	var (
		s         Settings
		principal string
	)
	err := r.pool.QueryRow(ctx, `SELECT organization_id, country, fiscal, pac, series, principal_currency,
			taxes, email, disable_pdf, updated_at
		FROM invoice_settings WHERE organization_id=$1`, orgID).
		Scan(&s.OrganizationID, &s.Country, &s.Fiscal, &s.PAC, &s.Series, &principal,
			&s.Taxes, &s.Email, &s.DisablePDF, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, ErrSettingsNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("invoicing: load settings: %w", err)
	}
	s.Currencies.Principal = money.Currency(principal)

	rows, err := r.pool.Query(ctx, `SELECT series, current FROM invoice_folios WHERE organization_id=$1`, orgID)
	if err != nil {
		return Settings{}, fmt.Errorf("invoicing: load folios: %w", err)
	}
	defer rows.Close()
	s.Series.Current = map[string]int{}
	for rows.Next() {
		var (
			series  string
			current int
		)
		if err := rows.Scan(&series, &current); err != nil {
			return Settings{}, err
		}
		s.Series.Current[series] = current
	}
	return s, rows.Err()
}

// SaveSettings upserts settings. Folio counters are left untouched.
func (r *PGRepository) SaveSettings(ctx context.Context, s Settings) error {
	series := s.Series
	series.Current = nil
	_, err := r.pool.Exec(ctx, `INSERT INTO invoice_settings
			(organization_id, country, fiscal, pac, series, principal_currency, taxes, email, disable_pdf, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (organization_id) DO UPDATE SET
			country=EXCLUDED.country, fiscal=EXCLUDED.fiscal, pac=EXCLUDED.pac, series=EXCLUDED.series,
			principal_currency=EXCLUDED.principal_currency, taxes=EXCLUDED.taxes, email=EXCLUDED.email,
			disable_pdf=EXCLUDED.disable_pdf, updated_at=EXCLUDED.updated_at`,
		s.OrganizationID, s.Country, s.Fiscal, s.PAC, series, string(s.Currencies.Principal),
		s.Taxes, s.Email, s.DisablePDF, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("invoicing: save settings: %w", err)
	}
	return nil
}

// NextFolio advances the series counter in a single statement. The first
// call for a series returns initial.
func (r *PGRepository) NextFolio(ctx context.Context, orgID, series string, initial int) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `INSERT INTO invoice_folios (organization_id, series, current)
		VALUES ($1,$2,$3)
		ON CONFLICT (organization_id, series) DO UPDATE SET current = invoice_folios.current + 1
		RETURNING current`, orgID, series, initial).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("invoicing: next folio: %w", err)
	}
	return next, nil
}

const invoiceColumns = `id, organization_id, folio, series, full_folio, type, status, currency, exchange_rate,
	subtotal, discount, taxes_transferred, taxes_withheld, total, payment_method, payment_form, payment_conditions,
	issuer, receiver, concepts, user_id, order_id, patient_id, COALESCE(payment_transaction_id,''),
	COALESCE(uuid,''), xml, pac, pdf_path, email_sent, email_sent_at, cancellation, notes, error, automatic,
	issued_at, created_at, updated_at`

// Create inserts a new invoice.
func (r *PGRepository) Create(ctx context.Context, inv *Invoice) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO invoices (id, organization_id, folio, series, full_folio, type, status,
			currency, exchange_rate, subtotal, discount, taxes_transferred, taxes_withheld, total,
			payment_method, payment_form, payment_conditions, issuer, receiver, concepts,
			user_id, order_id, patient_id, payment_transaction_id, notes, automatic, issued_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,NULLIF($24,''),$25,$26,$27,$28,$29)`,
		inv.ID, inv.OrganizationID, inv.Folio, inv.Series, inv.FullFolio, string(inv.Type), string(inv.Status),
		string(inv.Currency), inv.ExchangeRate, inv.Subtotal, inv.Discount, inv.Taxes.Transferred, inv.Taxes.Withheld, inv.Total,
		inv.PaymentMethod, inv.PaymentForm, inv.PaymentConditions, inv.Issuer, inv.Receiver, inv.Concepts,
		inv.UserID, inv.OrderID, inv.PatientID, inv.PaymentTransactionID, inv.Notes, inv.Automatic,
		inv.IssuedAt, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "invoices_full_folio_key") {
			return fmt.Errorf("%w: %s", ErrDuplicateFolio, inv.FullFolio)
		}
		return fmt.Errorf("invoicing: insert invoice: %w", err)
	}
	return nil
}

// Update writes the mutable state of an invoice.
func (r *PGRepository) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status=$2, uuid=NULLIF($3,''), xml=$4, pac=$5, pdf_path=$6,
			email_sent=$7, email_sent_at=$8, cancellation=$9, error=$10, issued_at=$11, updated_at=$12
		WHERE id=$1`,
		inv.ID, string(inv.Status), inv.UUID, inv.XML, inv.PAC, inv.PDFPath,
		inv.EmailSent, inv.EmailSentAt, inv.Cancellation, inv.Error, inv.IssuedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("invoicing: update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads an invoice by ID.
func (r *PGRepository) Get(ctx context.Context, id string) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id::text=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("invoicing: load invoice: %w", err)
	}
	return inv, nil
}

// FindByPayment returns the live invoice issued for a payment transaction.
func (r *PGRepository) FindByPayment(ctx context.Context, transactionID string) (Invoice, bool, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE payment_transaction_id=$1 AND status NOT IN ('cancelled','error')
		ORDER BY created_at DESC LIMIT 1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, false, nil
	}
	if err != nil {
		return Invoice{}, false, fmt.Errorf("invoicing: find by payment: %w", err)
	}
	return inv, true, nil
}

func listQuery(orgID string, f Filter) squirrel.SelectBuilder {
	q := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select().
		From("invoices").
		Where(squirrel.Eq{"organization_id": orgID})
	if f.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		q = q.Where(squirrel.Eq{"type": string(f.Type)})
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"issued_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.LtOrEq{"issued_at": *f.To})
	}
	return q
}

// List pages an organization's invoices, newest first.
func (r *PGRepository) List(ctx context.Context, orgID string, f Filter, limit, offset int) ([]Invoice, int, error) {
	base := listQuery(orgID, f)
	countSQL, countArgs, err := base.Column("COUNT(*)").ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("invoicing: build count: %w", err)
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("invoicing: count: %w", err)
	}

	q := base.Column(invoiceColumns).OrderBy("issued_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("invoicing: build list: %w", err)
	}
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("invoicing: list: %w", err)
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// Stats groups invoices by status.
func (r *PGRepository) Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(total),0), ARRAY_AGG(DISTINCT currency ORDER BY currency)
		FROM invoices
		WHERE organization_id=$1
			AND ($2::timestamptz IS NULL OR issued_at >= $2)
			AND ($3::timestamptz IS NULL OR issued_at <= $3)
		GROUP BY status ORDER BY status`, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("invoicing: stats: %w", err)
	}
	defer rows.Close()
	var out []StatusStats
	for rows.Next() {
		var (
			st         StatusStats
			status     string
			currencies []string
		)
		if err := rows.Scan(&status, &st.Count, &st.Total, &currencies); err != nil {
			return nil, err
		}
		st.Status = Status(status)
		for _, c := range currencies {
			st.Currencies = append(st.Currencies, money.Currency(c))
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendLog records a log entry.
func (r *PGRepository) AppendLog(ctx context.Context, e LogEntry) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO invoice_logs
			(id, invoice_id, organization_id, user_id, type, severity, message, metadata, error, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.InvoiceID, e.OrganizationID, e.UserID, string(e.Type), string(e.Severity), e.Message, e.Metadata, e.Error, e.At)
	if err != nil {
		return fmt.Errorf("invoicing: append log: %w", err)
	}
	return nil
}

// Logs returns an invoice's log in chronological order.
func (r *PGRepository) Logs(ctx context.Context, invoiceID string) ([]LogEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, organization_id, user_id, type, severity, message, metadata, error, at
		FROM invoice_logs WHERE invoice_id=$1 ORDER BY at, id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: logs: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var (
			e              LogEntry
			kind, severity string
		)
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.OrganizationID, &e.UserID, &kind, &severity, &e.Message, &e.Metadata, &e.Error, &e.At); err != nil {
			return nil, err
		}
		e.Type = LogType(kind)
		e.Severity = Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                    Invoice
		kind, status, currency string
	)
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Folio, &inv.Series, &inv.FullFolio, &kind, &status, &currency, &inv.ExchangeRate,
		&inv.Subtotal, &inv.Discount, &inv.Taxes.Transferred, &inv.Taxes.Withheld, &inv.Total,
		&inv.PaymentMethod, &inv.PaymentForm, &inv.PaymentConditions,
		&inv.Issuer, &inv.Receiver, &inv.Concepts, &inv.UserID, &inv.OrderID, &inv.PatientID, &inv.PaymentTransactionID,
		&inv.UUID, &inv.XML, &inv.PAC, &inv.PDFPath, &inv.EmailSent, &inv.EmailSentAt, &inv.Cancellation,
		&inv.Notes, &inv.Error, &inv.Automatic, &inv.IssuedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Type = Type(kind)
	inv.Status = Status(status)
	inv.Currency = money.Currency(currency)
	return inv, nil
}

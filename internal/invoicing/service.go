package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/invoicing/facturama"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/payments"
	"github.com/toothpick/billing/internal/platform/mail"
	"github.com/toothpick/billing/internal/shared"
)

// Repository persists invoices, settings, folio counters and logs.
type Repository interface {
	Settings(ctx context.Context, orgID string) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
	NextFolio(ctx context.Context, orgID, series string, initial int) (int, error)
	Create(ctx context.Context, inv *Invoice) error
	Update(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
	FindByPayment(ctx context.Context, transactionID string) (Invoice, bool, error)
	List(ctx context.Context, orgID string, f Filter, limit, offset int) ([]Invoice, int, error)
	Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	Logs(ctx context.Context, invoiceID string) ([]LogEntry, error)
}

// PAC stamps and cancels CFDI documents.
type PAC interface {
	Stamp(ctx context.Context, cfg facturama.Config, doc facturama.CFDI) (facturama.Stamp, error)
	Cancel(ctx context.Context, cfg facturama.Config, uuid, reason string) error
	ValidateConnection(ctx context.Context, cfg facturama.Config) error
}

// RateSource quotes exchange rates.
type RateSource interface {
	Rate(ctx context.Context, from, to money.Currency, source fx.Source) (decimal.Decimal, error)
}

// Documents renders the printable invoice.
type Documents interface {
	Render(ctx context.Context, inv Invoice, s Settings) ([]byte, error)
}

// Store keeps rendered files.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// DeliveryQueue schedules invoice emails.
type DeliveryQueue interface {
	EnqueueInvoiceDelivery(ctx context.Context, invoiceID string) error
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// PaymentSource loads payment transactions for automatic invoices.
type PaymentSource interface {
	GetPaymentStatus(ctx context.Context, txID string) (payments.Transaction, error)
}

// Deps groups collaborators. Everything except Repo is optional.
type Deps struct {
	Repo      Repository
	PAC       PAC
	Rates     RateSource
	Documents Documents
	Store     Store
	Queue     DeliveryQueue
	Mailer    Mailer
	Payments  PaymentSource
}

// Item is a requested invoice line.
type Item struct {
	Description string          `json:"description" validate:"required,max=1000"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitValue   decimal.Decimal `json:"unit_value"`
	Discount    decimal.Decimal `json:"discount"`
	ProductKey  string          `json:"product_key,omitempty"`
	UnitKey     string          `json:"unit_key,omitempty"`
	Unit        string          `json:"unit,omitempty"`
}

// CreateInput requests a new invoice.
type CreateInput struct {
	OrganizationID       string   `json:"organization_id" validate:"required"`
	UserID               string   `json:"user_id,omitempty"`
	Type                 Type     `json:"type" validate:"required"`
	Series               string   `json:"series,omitempty" validate:"max=25"`
	Currency             string   `json:"currency" validate:"required,len=3"`
	PaymentMethod        string   `json:"payment_method,omitempty" validate:"omitempty,oneof=PUE PPD"`
	PaymentForm          string   `json:"payment_form,omitempty" validate:"max=2"`
	PaymentConditions    string   `json:"payment_conditions,omitempty"`
	Receiver             Receiver `json:"receiver"`
	Items                []Item   `json:"items" validate:"required,min=1,dive"`
	OrderID              string   `json:"order_id,omitempty"`
	PatientID            string   `json:"patient_id,omitempty"`
	PaymentTransactionID string   `json:"payment_transaction_id,omitempty"`
	Notes                string   `json:"notes,omitempty" validate:"max=2000"`
	SkipPDF              bool     `json:"skip_pdf,omitempty"`
	Automatic            bool     `json:"-"`
}

// Outcome is the result of issuing an invoice. Warnings collect
// post-processing failures that did not stop issuance.
type Outcome struct {
	Invoice  Invoice  `json:"invoice"`
	Warnings []string `json:"warnings,omitempty"`
	Replayed bool     `json:"replayed,omitempty"`
}

// CancelInput requests a cancellation.
type CancelInput struct {
	InvoiceID         string `json:"-"`
	UserID            string `json:"user_id,omitempty"`
	Reason            string `json:"reason,omitempty" validate:"omitempty,oneof=01 02 03 04"`
	SubstitutionFolio string `json:"substitution_folio,omitempty"`
}

// FromPayment requests an automatic invoice for a settled payment.
type FromPayment struct {
	TransactionID string   `json:"-"`
	UserID        string   `json:"user_id,omitempty"`
	Type          Type     `json:"type,omitempty"`
	Receiver      Receiver `json:"receiver"`
}

// Page is a page of invoices.
type Page struct {
	Items      []Invoice         `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// SettingsView is stored settings plus outstanding problems.
type SettingsView struct {
	Settings Settings `json:"settings"`
	Problems []string `json:"problems"`
}

// Service issues and manages invoices.
type Service struct {
	repo      Repository
	pac       PAC
	rates     RateSource
	documents Documents
	store     Store
	queue     DeliveryQueue
	mailer    Mailer
	payments  PaymentSource
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the invoicing service.
func NewService(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      deps.Repo,
		pac:       deps.PAC,
		rates:     deps.Rates,
		documents: deps.Documents,
		store:     deps.Store,
		queue:     deps.Queue,
		mailer:    deps.Mailer,
		payments:  deps.Payments,
		validate:  validator.New(),
		logger:    logger.With(slog.String("component", "invoicing")),
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

func (s *Service) checkInput(in CreateInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var problems []string
	if !in.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", in.Type))
	}
	if strings.TrimSpace(in.Receiver.Name) == "" {
		problems = append(problems, "receiver name is required")
	}
	for i, item := range in.Items {
		if !item.Quantity.IsPositive() {
			problems = append(problems, fmt.Sprintf("item %d: quantity must be greater than zero", i+1))
		}
		if !item.UnitValue.IsPositive() {
			problems = append(problems, fmt.Sprintf("item %d: unit value must be greater than zero", i+1))
		}
		if item.Discount.IsNegative() || item.Discount.GreaterThan(item.Quantity.Mul(item.UnitValue)) {
			problems = append(problems, fmt.Sprintf("item %d: discount must be between zero and the line amount", i+1))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// CreateInvoice issues an invoice. CFDI types are stamped through the PAC;
// the rest are issued directly.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInput) (Outcome, error) {
	if err := s.checkInput(in); err != nil {
		return Outcome{}, err
	}
	currency, err := money.ParseCurrency(in.Currency)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	settings, err := s.loadSettings(ctx, in.OrganizationID)
	if err != nil {
		return Outcome{}, err
	}
	if problems := settings.Validate(); len(problems) > 0 {
		return Outcome{}, &ConfigError{Problems: problems}
	}

	series := in.Series
	if series == "" {
		series = settings.Series.Invoice
	}
	n, err := s.repo.NextFolio(ctx, in.OrganizationID, series, settings.Series.InitialFolio)
	if err != nil {
		return Outcome{}, err
	}
	folio := FormatFolio(n, settings.Series.FolioDigits)

	rate := decimal.NewFromInt(1)
	if currency != settings.Currencies.Principal && s.rates != nil {
		rate, err = s.rates.Rate(ctx, currency, settings.Currencies.Principal, "")
		if err != nil {
			return Outcome{}, fmt.Errorf("invoicing: exchange rate %s/%s: %w", currency, settings.Currencies.Principal, err)
		}
	}

	inv := s.build(in, settings, currency, rate)
	inv.Folio = folio
	inv.Series = series
	inv.FullFolio = series + folio

	if err := s.repo.Create(ctx, &inv); err != nil {
		return Outcome{}, err
	}
	s.log(ctx, &inv, in.UserID, LogCreated, SeverityInfo, "invoice "+inv.FullFolio+" created", nil, nil)

	if inv.IsCFDI() {
		if err := s.stamp(ctx, &inv, settings, in.UserID); err != nil {
			return Outcome{Invoice: inv}, err
		}
	} else {
		inv.Status = StatusIssued
		inv.IssuedAt = s.clock()
		inv.UpdatedAt = inv.IssuedAt
		if err := s.repo.Update(ctx, &inv); err != nil {
			return Outcome{}, err
		}
		s.log(ctx, &inv, in.UserID, LogValidated, SeveritySuccess, "invoice issued", nil, nil)
	}

	out := Outcome{Invoice: inv}
	out.Warnings = s.postProcess(ctx, &out.Invoice, settings, in.UserID, in.SkipPDF)
	return out, nil
}

func (s *Service) build(in CreateInput, settings Settings, currency money.Currency, rate decimal.Decimal) Invoice {
	now := s.clock()
	rule, _ := settings.TaxRule()

	concepts := make([]Concept, 0, len(in.Items))
	subtotal, discount := decimal.Zero, decimal.Zero
	for _, item := range in.Items {
		c := Concept{
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitValue:   item.UnitValue,
			Amount:      item.Quantity.Mul(item.UnitValue).Round(2),
			Discount:    item.Discount.Round(2),
			ProductKey:  firstNonEmpty(item.ProductKey, DefaultProductKey),
			UnitKey:     firstNonEmpty(item.UnitKey, DefaultUnitKey),
			Unit:        firstNonEmpty(item.Unit, DefaultUnit),
			TaxObject:   DefaultTaxObject,
		}
		base := c.Net()
		if iva := base.Mul(rule.VATRate).Round(2); iva.IsPositive() {
			c.Transfers = []TaxTransfer{{Base: base, Tax: vatTaxCode, FactorType: factorRate, Rate: rule.VATRate, Amount: iva}}
		}
		subtotal = subtotal.Add(base)
		discount = discount.Add(c.Discount)
		concepts = append(concepts, c)
	}
	taxes := settings.CalculateTaxes(subtotal)

	receiver := in.Receiver
	receiver.applyDefaults()

	return Invoice{
		ID:                   uuid.NewString(),
		Type:                 in.Type,
		Status:               StatusDraft,
		Currency:             currency,
		ExchangeRate:         rate,
		Subtotal:             subtotal,
		Discount:             discount,
		Taxes:                Taxes{Transferred: taxes.Transferred, Withheld: taxes.Withheld},
		Total:                taxes.Total,
		PaymentMethod:        firstNonEmpty(in.PaymentMethod, DefaultPaymentTerm),
		PaymentForm:          firstNonEmpty(in.PaymentForm, DefaultPaymentForm),
		PaymentConditions:    in.PaymentConditions,
		Issuer:               Issuer{RFC: settings.Fiscal.RFC, Name: settings.Fiscal.LegalName, TaxRegime: settings.Fiscal.TaxRegime, PostalCode: settings.Fiscal.PostalCode},
		Receiver:             receiver,
		Concepts:             concepts,
		OrganizationID:       in.OrganizationID,
		UserID:               in.UserID,
		OrderID:              in.OrderID,
		PatientID:            in.PatientID,
		PaymentTransactionID: in.PaymentTransactionID,
		Notes:                in.Notes,
		Automatic:            in.Automatic,
		IssuedAt:             now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (s *Service) stamp(ctx context.Context, inv *Invoice, settings Settings, userID string) error {
	inv.Status = StatusPending
	inv.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, inv); err != nil {
		return err
	}
	s.log(ctx, inv, userID, LogSentToPAC, SeverityInfo, "sent to PAC", map[string]any{"provider": string(settings.PAC.Provider)}, nil)

	var (
		stamp facturama.Stamp
		err   error
	)
	if s.pac == nil {
		err = facturama.ErrDisabled
	} else {
		stamp, err = s.pac.Stamp(ctx, settings.PAC.Facturama(), toCFDI(*inv))
	}
	if err != nil {
		inv.Status = StatusError
		inv.Error = err.Error()
		inv.UpdatedAt = s.clock()
		if uerr := s.repo.Update(ctx, inv); uerr != nil {
			s.logger.Error("persist stamp failure", slog.String("invoice_id", inv.ID), slog.Any("error", uerr))
		}
		s.log(ctx, inv, userID, LogPACError, SeverityError, "stamping failed", nil, err)
		return fmt.Errorf("%w: %v", ErrStampFailed, err)
	}

	inv.Status = StatusStamped
	inv.Error = ""
	inv.UUID = stamp.UUID
	inv.XML = stamp.XML
	inv.IssuedAt = stamp.StampedAt
	inv.PAC = &PACData{
		Provider:         string(settings.PAC.Provider),
		CertificateSAT:   stamp.CertificateSAT,
		StampedAt:        stamp.StampedAt,
		SealCFD:          stamp.SealCFD,
		SealSAT:          stamp.SealSAT,
		OriginalChainSAT: stamp.OriginalChainSAT,
	}
	inv.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, inv); err != nil {
		return err
	}
	s.log(ctx, inv, userID, LogStamped, SeveritySuccess, "stamped with UUID "+stamp.UUID,
		map[string]any{"uuid": stamp.UUID, "elapsed_ms": stamp.Elapsed.Milliseconds()}, nil)
	return nil
}

func (s *Service) postProcess(ctx context.Context, inv *Invoice, settings Settings, userID string, skipPDF bool) []string {
	var warnings []string
	if !settings.DisablePDF && !skipPDF && s.documents != nil && s.store != nil {
		if err := s.generatePDF(ctx, inv, settings, userID); err != nil {
			s.logger.Warn("pdf generation failed", slog.String("invoice_id", inv.ID), slog.Any("error", err))
			warnings = append(warnings, "pdf: "+err.Error())
		}
	}
	if settings.Email.Enabled && inv.Receiver.Email != "" && s.queue != nil {
		if err := s.queue.EnqueueInvoiceDelivery(ctx, inv.ID); err != nil {
			s.logger.Warn("enqueue invoice delivery failed", slog.String("invoice_id", inv.ID), slog.Any("error", err))
			warnings = append(warnings, "email: "+err.Error())
		}
	}
	return warnings
}

func (s *Service) generatePDF(ctx context.Context, inv *Invoice, settings Settings, userID string) error {
	data, err := s.documents.Render(ctx, *inv, settings)
	if err != nil {
		return err
	}
	path, err := s.store.Put(ctx, inv.OrganizationID+"/"+inv.FullFolio+".pdf", data)
	if err != nil {
		return err
	}
	inv.PDFPath = path
	inv.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, inv); err != nil {
		return err
	}
	s.log(ctx, inv, userID, LogPDFGenerated, SeverityInfo, "pdf generated", map[string]any{"bytes": len(data)}, nil)
	return nil
}

// DeliverInvoice emails the invoice with its PDF and XML attached. Already
// delivered invoices are left alone.
func (s *Service) DeliverInvoice(ctx context.Context, invoiceID string) error {
	inv, err := s.repo.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.EmailSent {
		return nil
	}
	if inv.Receiver.Email == "" {
		return ErrNoRecipient
	}
	if s.mailer == nil {
		return errors.New("invoicing: mailer not configured")
	}
	settings, err := s.loadSettings(ctx, inv.OrganizationID)
	if err != nil {
		return err
	}

	msg := mail.Message{
		To:      []string{inv.Receiver.Email},
		CC:      settings.Email.CC,
		Subject: deliverySubject(settings, inv),
		Text:    deliveryBody(settings, inv),
	}
	if inv.PDFPath != "" && s.store != nil {
		data, err := s.store.Get(ctx, inv.PDFPath)
		if err != nil {
			s.logger.Warn("invoice pdf unavailable", slog.String("invoice_id", inv.ID), slog.Any("error", err))
		} else {
			msg.Attachments = append(msg.Attachments, mail.Attachment{Name: inv.FullFolio + ".pdf", ContentType: "application/pdf", Data: data})
		}
	}
	if inv.XML != "" {
		msg.Attachments = append(msg.Attachments, mail.Attachment{Name: inv.FullFolio + ".xml", ContentType: "application/xml", Data: []byte(inv.XML)})
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("invoicing: deliver %s: %w", inv.ID, err)
	}

	now := s.clock()
	inv.EmailSent = true
	inv.EmailSentAt = &now
	inv.UpdatedAt = now
	if err := s.repo.Update(ctx, &inv); err != nil {
		return err
	}
	s.log(ctx, &inv, "", LogEmailSent, SeveritySuccess, "emailed to "+inv.Receiver.Email, map[string]any{"attachments": len(msg.Attachments)}, nil)
	return nil
}

func deliverySubject(settings Settings, inv Invoice) string {
	subject := settings.Email.Subject
	if subject == "" {
		subject = "Invoice {folio} - {organization}"
	}
	return strings.NewReplacer("{folio}", inv.FullFolio, "{organization}", settings.Fiscal.LegalName).Replace(subject)
}

func deliveryBody(settings Settings, inv Invoice) string {
	locale := "en"
	if settings.Country == "MX" {
		locale = "es-MX"
	}
	var b strings.Builder
	if settings.Email.Message != "" {
		b.WriteString(settings.Email.Message)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Invoice %s issued by %s for %s.\n", inv.FullFolio, settings.Fiscal.LegalName, money.Format(inv.Total, inv.Currency, locale))
	if inv.UUID != "" {
		fmt.Fprintf(&b, "Fiscal folio (UUID): %s\n", inv.UUID)
	}
	return b.String()
}

// CancelInvoice cancels an issued invoice. CFDI invoices are cancelled at
// the PAC first.
func (s *Service) CancelInvoice(ctx context.Context, in CancelInput) (Invoice, error) {
	inv, err := s.repo.Get(ctx, in.InvoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if !inv.CanBeCancelled() {
		return Invoice{}, fmt.Errorf("%w: status %s", ErrNotCancellable, inv.Status)
	}
	reason := firstNonEmpty(in.Reason, DefaultCancelCode)

	if inv.IsCFDI() {
		settings, err := s.loadSettings(ctx, inv.OrganizationID)
		if err != nil {
			return Invoice{}, err
		}
		if s.pac == nil {
			err = facturama.ErrDisabled
		} else {
			err = s.pac.Cancel(ctx, settings.PAC.Facturama(), inv.UUID, reason)
		}
		if err != nil {
			s.log(ctx, &inv, in.UserID, LogPACError, SeverityError, "cancellation failed", map[string]any{"reason": reason}, err)
			return Invoice{}, fmt.Errorf("%w: %v", ErrCancelFailed, err)
		}
	}

	now := s.clock()
	inv.Status = StatusCancelled
	inv.Cancellation = &Cancellation{At: now, Reason: reason, UUID: inv.UUID, SubstitutionFolio: in.SubstitutionFolio, UserID: in.UserID}
	inv.UpdatedAt = now
	if err := s.repo.Update(ctx, &inv); err != nil {
		return Invoice{}, err
	}
	s.log(ctx, &inv, in.UserID, LogCancelled, SeverityWarning, "invoice cancelled", map[string]any{"reason": reason}, nil)
	return inv, nil
}

// CreateFromPayment issues an automatic invoice for a settled payment. An
// invoice already issued for the payment is returned instead.
func (s *Service) CreateFromPayment(ctx context.Context, in FromPayment) (Outcome, error) {
	if s.payments == nil {
		return Outcome{}, errors.New("invoicing: payments not configured")
	}
	if existing, ok, err := s.repo.FindByPayment(ctx, in.TransactionID); err != nil {
		return Outcome{}, err
	} else if ok {
		return Outcome{Invoice: existing, Replayed: true}, nil
	}
	tx, err := s.payments.GetPaymentStatus(ctx, in.TransactionID)
	if err != nil {
		return Outcome{}, err
	}
	if tx.Status != payments.StatusPaid && tx.Status != payments.StatusPartiallyRefunded {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrPaymentNotPaid, tx.ID, tx.Status)
	}
	settings, err := s.loadSettings(ctx, tx.PayeeID)
	if err != nil {
		return Outcome{}, err
	}

	invType := in.Type
	if invType == "" {
		invType = TypeInternational
		if settings.Country == "MX" {
			invType = TypeCFDIIncome
		}
	}
	// The payment is tax inclusive; back the VAT out so the invoice total
	// matches what was charged.
	unit := tx.Amount.Converted
	if rule, ok := settings.TaxRule(); ok && rule.VATRate.IsPositive() {
		unit = unit.Div(decimal.NewFromInt(1).Add(rule.VATRate)).Round(2)
	}
	description := tx.Description
	if description == "" {
		description = "Payment " + tx.ReferenceCode
	}

	return s.CreateInvoice(ctx, CreateInput{
		OrganizationID:       tx.PayeeID,
		UserID:               firstNonEmpty(in.UserID, tx.PayerID),
		Type:                 invType,
		Currency:             string(tx.Amount.ConvertedCurrency),
		PaymentMethod:        DefaultPaymentTerm,
		PaymentForm:          paymentForm(tx.Method),
		Receiver:             in.Receiver,
		Items:                []Item{{Description: description, Quantity: decimal.NewFromInt(1), UnitValue: unit}},
		OrderID:              tx.OrderID,
		PaymentTransactionID: tx.ID,
		Automatic:            true,
	})
}

func paymentForm(t methods.Type) string {
	switch t {
	case methods.TypeStripe:
		return "04"
	case methods.TypeSPEI, methods.TypeBankTransfer, methods.TypeSWIFT:
		return "03"
	case methods.TypePayPal:
		return "31"
	case methods.TypeManual:
		return "01"
	}
	return DefaultPaymentForm
}

// GetInvoice loads one invoice.
func (s *Service) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

// PDF returns the stored PDF of an invoice.
func (s *Service) PDF(ctx context.Context, id string) (Invoice, []byte, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return Invoice{}, nil, err
	}
	if inv.PDFPath == "" || s.store == nil {
		return Invoice{}, nil, fmt.Errorf("%w: invoice %s has no pdf", ErrNotFound, id)
	}
	data, err := s.store.Get(ctx, inv.PDFPath)
	if err != nil {
		return Invoice{}, nil, err
	}
	return inv, data, nil
}

// ListInvoices pages an organization's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, orgID string, f Filter, page, perPage int) (Page, error) {
	if err := f.Validate(); err != nil {
		return Page{}, err
	}
	page, perPage = shared.NormalizePage(page, perPage)
	p := shared.NewPagination(page, perPage, 0)
	items, total, err := s.repo.List(ctx, orgID, f, perPage, p.Offset())
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Pagination: shared.NewPagination(page, perPage, total)}, nil
}

// Stats groups an organization's invoices by status.
func (s *Service) Stats(ctx context.Context, orgID string, from, to *time.Time) ([]StatusStats, error) {
	return s.repo.Stats(ctx, orgID, from, to)
}

// Logs returns an invoice's history.
func (s *Service) Logs(ctx context.Context, invoiceID string) ([]LogEntry, error) {
	if _, err := s.repo.Get(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.Logs(ctx, invoiceID)
}

// GetSettings returns an organization's settings with the password hidden.
func (s *Service) GetSettings(ctx context.Context, orgID string) (SettingsView, error) {
	settings, err := s.loadSettings(ctx, orgID)
	if err != nil {
		return SettingsView{}, err
	}
	return SettingsView{Settings: settings.Redacted(), Problems: settings.Validate()}, nil
}

// SaveSettings stores settings. Incomplete settings are accepted and their
// problems reported. An empty password keeps the stored one.
func (s *Service) SaveSettings(ctx context.Context, orgID string, in Settings) (SettingsView, error) {
	in.OrganizationID = orgID
	in.ApplyDefaults()
	if in.Currencies.Principal != "" && !in.Currencies.Principal.Valid() {
		return SettingsView{}, fmt.Errorf("%w: principal currency %q", ErrInvalidInput, in.Currencies.Principal)
	}
	if in.PAC.Provider != PACNone && in.PAC.Provider != PACFacturama {
		return SettingsView{}, fmt.Errorf("%w: unknown PAC provider %q", ErrInvalidInput, in.PAC.Provider)
	}
	if in.PAC.Password == "" {
		if current, err := s.repo.Settings(ctx, orgID); err == nil {
			in.PAC.Password = current.PAC.Password
		} else if !errors.Is(err, ErrSettingsNotFound) {
			return SettingsView{}, err
		}
	}
	in.UpdatedAt = s.clock()
	if err := s.repo.SaveSettings(ctx, in); err != nil {
		return SettingsView{}, err
	}
	s.logger.Info("invoice settings saved", slog.String("organization_id", orgID), slog.String("country", in.Country))
	return SettingsView{Settings: in.Redacted(), Problems: in.Validate()}, nil
}

// ValidatePAC checks the organization's PAC credentials.
func (s *Service) ValidatePAC(ctx context.Context, orgID string) error {
	settings, err := s.loadSettings(ctx, orgID)
	if err != nil {
		return err
	}
	if s.pac == nil || settings.PAC.Provider != PACFacturama {
		return facturama.ErrDisabled
	}
	return s.pac.ValidateConnection(ctx, settings.PAC.Facturama())
}

func (s *Service) loadSettings(ctx context.Context, orgID string) (Settings, error) {
	settings, err := s.repo.Settings(ctx, orgID)
	if err != nil {
		return Settings{}, err
	}
	settings.ApplyDefaults()
	return settings, nil
}

func (s *Service) log(ctx context.Context, inv *Invoice, userID string, kind LogType, severity Severity, message string, meta map[string]any, cause error) {
	entry := LogEntry{
		ID:             uuid.NewString(),
		InvoiceID:      inv.ID,
		OrganizationID: inv.OrganizationID,
		UserID:         userID,
		Type:           kind,
		Severity:       severity,
		Message:        message,
		Metadata:       meta,
		At:             s.clock(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("append invoice log failed", slog.String("invoice_id", inv.ID), slog.String("type", string(kind)), slog.Any("error", err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

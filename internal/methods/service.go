package methods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
)

// CreateInput describes a new method.
type CreateInput struct {
	OrganizationID string          `json:"-"`
	Name           string          `json:"name" validate:"required,max=100"`
	Description    string          `json:"description" validate:"max=500"`
	Type           Type            `json:"type" validate:"required"`
	Currency       string          `json:"currency" validate:"required,len=3"`
	AccountData    AccountData     `json:"account_data"`
	FeePercentage  decimal.Decimal `json:"fee_percentage"`
	FeeFixed       decimal.Decimal `json:"fee_fixed"`
	Limits         *Limits         `json:"limits"`
	Countries      []string        `json:"countries"`
	Default        bool            `json:"default"`
	Sandbox        bool            `json:"sandbox"`
	CreatedBy      string          `json:"-"`
}

// Service coordinates payment method use cases.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the method service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger.With(slog.String("component", "methods")), now: time.Now}
}

// WithClock overrides the clock used for limit windows.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create validates and stores a new active method.
func (s *Service) Create(ctx context.Context, in CreateInput) (Method, error) {
	currency, err := money.ParseCurrency(in.Currency)
	if err != nil {
		return Method{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m := Method{
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		Type:           in.Type,
		Currency:       currency,
		AccountData:    in.AccountData,
		Fees:           Fees{Percentage: in.FeePercentage, Fixed: in.FeeFixed, Currency: currency},
		Limits:         DefaultLimits(),
		Countries:      countries(in.Countries),
		Active:         true,
		Default:        in.Default,
		Sandbox:        in.Sandbox,
		CreatedBy:      in.CreatedBy,
	}
	if in.Limits != nil {
		m.Limits = *in.Limits
	}
	if err := m.Validate(); err != nil {
		return Method{}, err
	}
	created, err := s.repo.Create(ctx, m)
	if err != nil {
		return Method{}, err
	}
	s.logger.Info("payment method created",
		slog.String("method_id", created.ID),
		slog.String("organization_id", created.OrganizationID),
		slog.String("type", string(created.Type)),
	)
	return created, nil
}

// UpdateInput patches a method. Nil fields are left untouched.
type UpdateInput struct {
	Name          *string          `json:"name" validate:"omitempty,max=100"`
	Description   *string          `json:"description" validate:"omitempty,max=500"`
	AccountData   *AccountData     `json:"account_data"`
	FeePercentage *decimal.Decimal `json:"fee_percentage"`
	FeeFixed      *decimal.Decimal `json:"fee_fixed"`
	Limits        *Limits          `json:"limits"`
	Countries     []string         `json:"countries"`
	Active        *bool            `json:"active"`
	Default       *bool            `json:"default"`
}

// Update applies in to the method and revalidates it.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (Method, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return Method{}, err
	}
	if in.Name != nil {
		m.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		m.Description = strings.TrimSpace(*in.Description)
	}
	if in.AccountData != nil {
		m.AccountData = *in.AccountData
	}
	if in.FeePercentage != nil {
		m.Fees.Percentage = *in.FeePercentage
	}
	if in.FeeFixed != nil {
		m.Fees.Fixed = *in.FeeFixed
	}
	if in.Limits != nil {
		m.Limits = *in.Limits
	}
	if in.Countries != nil {
		m.Countries = countries(in.Countries)
	}
	if in.Active != nil {
		m.Active = *in.Active
	}
	if in.Default != nil {
		m.Default = *in.Default
	}
	if m.Default && !m.Active {
		return Method{}, fmt.Errorf("%w: an inactive method cannot be the default", ErrInvalid)
	}
	if err := m.Validate(); err != nil {
		return Method{}, err
	}
	updated, err := s.repo.Update(ctx, m)
	if err != nil {
		return Method{}, err
	}
	s.logger.Info("payment method updated", slog.String("method_id", updated.ID))
	return updated, nil
}

// Get loads a method.
func (s *Service) Get(ctx context.Context, id string) (Method, error) {
	return s.repo.Get(ctx, id)
}

// List returns the organization's active methods, optionally by currency.
func (s *Service) List(ctx context.Context, orgID string, currency money.Currency) ([]Method, error) {
	return s.repo.ListByOrganization(ctx, orgID, currency)
}

// Resolve returns methodID when set, or the payee's default for currency.
// Inactive or foreign methods are treated as missing.
func (s *Service) Resolve(ctx context.Context, orgID, methodID string, currency money.Currency) (Method, error) {
	if methodID == "" {
		return s.repo.FindDefault(ctx, orgID, currency)
	}
	m, err := s.repo.Get(ctx, methodID)
	if err != nil {
		return Method{}, err
	}
	if !m.Active || m.OrganizationID != orgID {
		return Method{}, ErrNotFound
	}
	return m, nil
}

// Supported lists methods usable for currency from country.
func (s *Service) Supported(ctx context.Context, currency money.Currency, country string) ([]Method, error) {
	return s.repo.Supported(ctx, currency, country)
}

// SupportsCurrency reports whether the method is denominated in currency.
func (s *Service) SupportsCurrency(ctx context.Context, methodID string, currency money.Currency) (bool, error) {
	m, err := s.repo.Get(ctx, methodID)
	if err != nil {
		return false, err
	}
	return m.Currency == currency, nil
}

// CheckLimits enforces the daily and monthly volume caps for amount.
func (s *Service) CheckLimits(ctx context.Context, m Method, amount money.Amount) error {
	now := s.now().UTC()
	windows := []struct {
		name  string
		cap   *money.Amount
		since time.Time
	}{
		{"daily", m.Limits.Daily, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)},
		{"monthly", m.Limits.Monthly, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, w := range windows {
		if w.cap == nil {
			continue
		}
		used, err := s.repo.Volume(ctx, m.ID, w.since)
		if err != nil {
			return err
		}
		if used.Add(amount).GreaterThan(*w.cap) {
			return fmt.Errorf("%w: %s limit %s, used %s", ErrLimitExceeded, w.name, w.cap.String(), used.String())
		}
	}
	return nil
}

// MarkUsed stamps the method's last use. Failures are logged only.
func (s *Service) MarkUsed(ctx context.Context, id string) {
	if err := s.repo.TouchLastUsed(ctx, id, s.now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("touch last used failed", slog.String("method_id", id), slog.Any("error", err))
	}
}

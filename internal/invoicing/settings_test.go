package invoicing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/money"
)

func TestSettingsValidate(t *testing.T) {
	require.Empty(t, mxSettings().Validate())

	s := Settings{Country: "MX", PAC: PACConfig{Provider: PACFacturama}}
	require.Equal(t, []string{
		"fiscal RFC is required",
		"fiscal legal name is required",
		"fiscal email is required",
		"tax regime is required in MX",
		"facturama user and password are required",
	}, s.Validate())

	s = Settings{Country: "BR", Fiscal: Fiscal{RFC: "1", LegalName: "x", Email: "a@b.c"}, Currencies: Currencies{Principal: "brl"}}
	require.Equal(t, []string{"principal currency is invalid"}, s.Validate())
}

func TestCalculateTaxes(t *testing.T) {
	s := Settings{Country: "mx", Taxes: []TaxRule{{
		Country: "MX",
		VATRate: decimal.RequireFromString("0.16"),
		Withholdings: []Withholding{
			{Name: "ISR", Rate: decimal.RequireFromString("0.10")},
			{Name: "IVA", Rate: decimal.RequireFromString("0.106667")},
		},
	}}}
	got := s.CalculateTaxes(decimal.NewFromInt(1000))
	require.Equal(t, "160", got.Transferred.String())
	require.Equal(t, "206.67", got.Withheld.String())
	require.Equal(t, "953.33", got.Total.String())

	none := Settings{Country: "US"}.CalculateTaxes(decimal.RequireFromString("99.90"))
	require.True(t, none.Transferred.IsZero())
	require.True(t, none.Withheld.IsZero())
	require.Equal(t, "99.9", none.Total.String())
}

func TestApplyDefaultsAndFolio(t *testing.T) {
	var s Settings
	s.ApplyDefaults()
	require.Equal(t, "A", s.Series.Invoice)
	require.Equal(t, 1, s.Series.InitialFolio)
	require.Equal(t, 6, s.Series.FolioDigits)
	require.Equal(t, PACNone, s.PAC.Provider)
	require.Equal(t, "https://api.facturama.mx", s.PAC.APIURL)
	require.Equal(t, money.MXN, s.Currencies.Principal)

	cfg := s.PAC.Facturama()
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, 3, cfg.Retries)
	require.False(t, cfg.Enabled)

	require.Equal(t, "000042", FormatFolio(42, 6))
	require.Equal(t, "1234567", FormatFolio(1234567, 6))
	require.Equal(t, "000007", FormatFolio(7, 0))
}

func TestInvoicePredicates(t *testing.T) {
	inv := Invoice{Type: TypeCFDIPayment, Status: StatusStamped}
	require.True(t, inv.IsCFDI())
	require.True(t, inv.CanBeCancelled())

	inv.Status = StatusPending
	require.False(t, inv.CanBeCancelled())

	inv = Invoice{Type: TypeEUInvoice, Status: StatusIssued, Cancellation: &Cancellation{Reason: "02"}}
	require.False(t, inv.IsCFDI())
	require.False(t, inv.CanBeCancelled())
}

func TestToCFDIForeignCurrency(t *testing.T) {
	inv := Invoice{
		Folio: "000003", Series: "B", Currency: money.USD, ExchangeRate: decimal.RequireFromString("17.25"),
		CreatedAt: time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC),
		Subtotal:  decimal.NewFromInt(100), Total: decimal.NewFromInt(100),
		Concepts: []Concept{{Description: "Consulta", Quantity: decimal.NewFromInt(1), UnitValue: decimal.NewFromInt(100), Amount: decimal.NewFromInt(100)}},
	}
	doc := toCFDI(inv)
	require.NotNil(t, doc.ExchangeRate)
	require.Equal(t, "17.25", doc.ExchangeRate.String())
	require.Nil(t, doc.Taxes)
	require.Nil(t, doc.Concepts[0].Taxes)
	require.Equal(t, "2026-05-04T12:00:00", doc.Date)
}

func TestToCFDIDiscountKeepsTotalsConsistent(t *testing.T) {
	f := newFixture(t)
	inv := f.svc.build(CreateInput{
		OrganizationID: "org-1",
		Type:           TypeCFDIIncome,
		Currency:       "MXN",
		Receiver:       Receiver{RFC: "XAXX010101000", Name: "Ana Lopez"},
		Items: []Item{{
			Description: "Limpieza",
			Quantity:    decimal.NewFromInt(1),
			UnitValue:   decimal.NewFromInt(100),
			Discount:    decimal.NewFromInt(10),
		}},
	}, mxSettings(), money.MXN, decimal.NewFromInt(1))
	require.Equal(t, "90", inv.Subtotal.String())
	require.Equal(t, "104.4", inv.Total.String())

	doc := toCFDI(inv)
	require.Equal(t, "100", doc.Subtotal.String())
	require.Equal(t, "10", doc.Discount.String())
	require.Equal(t, "104.4", doc.Total.String())

	amounts := decimal.Zero
	for _, c := range doc.Concepts {
		amounts = amounts.Add(c.Amount.Decimal)
	}
	require.True(t, doc.Subtotal.Equal(amounts))
	require.NotNil(t, doc.Taxes)
	expected := doc.Subtotal.Sub(doc.Discount.Decimal).Add(doc.Taxes.Transferred.Decimal).Sub(doc.Taxes.Withheld.Decimal)
	require.True(t, doc.Total.Equal(expected), "total %s, expected %s", doc.Total, expected)
}

type pdfStub struct{ html string }

func (p *pdfStub) RenderHTML(_ context.Context, html string) ([]byte, error) {
	p.html = html
	return []byte("%PDF"), nil
}

func TestRendererFillsTemplate(t *testing.T) {
	client := &pdfStub{}
	r, err := NewRenderer(client)
	require.NoError(t, err)

	inv := Invoice{
		FullFolio: "A000001", Type: TypeCFDIIncome, Currency: money.MXN, ExchangeRate: decimal.NewFromInt(1),
		Issuer:    Issuer{Name: "Clinica Dental Sonrisa", RFC: "AAA010101AAA"},
		Receiver:  Receiver{Name: "Ana <Lopez>", CFDIUse: "G03"},
		Subtotal:  decimal.NewFromInt(1000), Total: decimal.NewFromInt(1160),
		Taxes:     Taxes{Transferred: decimal.NewFromInt(160)},
		Concepts:  []Concept{{Description: "Limpieza", Quantity: decimal.NewFromInt(1), UnitValue: decimal.NewFromInt(1000), Amount: decimal.NewFromInt(1000)}},
		UUID:      "UUID-1",
		PAC:       &PACData{CertificateSAT: "300"},
	}
	pdf, err := r.Render(context.Background(), inv, mxSettings())
	require.NoError(t, err)
	require.Equal(t, "%PDF", string(pdf))
	require.Contains(t, client.html, "CFDI A000001")
	require.Contains(t, client.html, "1160.00")
	require.Contains(t, client.html, "Ana &lt;Lopez&gt;")
	require.Contains(t, client.html, "UUID UUID-1")
	require.Contains(t, client.html, `lang="es"`)

	_, err = NewRenderer(nil)
	require.Error(t, err)
}

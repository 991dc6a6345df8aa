package invoicing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/invoicing/facturama"
	"github.com/toothpick/billing/internal/money"
)

const cfdiDateLayout = "2006-01-02T15:04:05"

var mexicoCity = loadMexicoCity()

func loadMexicoCity() *time.Location {
	if loc, err := time.LoadLocation("America/Mexico_City"); err == nil {
		return loc
	}
	return time.FixedZone("CST", -6*60*60)
}

func toCFDI(inv Invoice) facturama.CFDI {
	doc := facturama.CFDI{
		Folio:             inv.Folio,
		Series:            inv.Series,
		Date:              inv.CreatedAt.In(mexicoCity).Format(cfdiDateLayout),
		PaymentMethod:     inv.PaymentMethod,
		PaymentForm:       inv.PaymentForm,
		PaymentConditions: inv.PaymentConditions,
		Currency:          string(inv.Currency),
		Issuer: facturama.Party{
			RFC:       inv.Issuer.RFC,
			Name:      inv.Issuer.Name,
			TaxRegime: inv.Issuer.TaxRegime,
		},
		Receiver: facturama.Party{
			RFC:        inv.Receiver.RFC,
			Name:       inv.Receiver.Name,
			TaxRegime:  inv.Receiver.TaxRegime,
			CFDIUse:    inv.Receiver.CFDIUse,
			PostalCode: inv.Receiver.PostalCode,
		},
		Subtotal: facturama.Num(grossSubtotal(inv.Concepts)),
		Discount: facturama.Num(inv.Discount),
		Total:    facturama.Num(inv.Total),
	}
	if inv.Currency != money.MXN {
		rate := facturama.Num(inv.ExchangeRate)
		doc.ExchangeRate = &rate
	}
	if inv.Taxes.Transferred.IsPositive() || inv.Taxes.Withheld.IsPositive() {
		doc.Taxes = &facturama.Totals{
			Transferred: facturama.Num(inv.Taxes.Transferred),
			Withheld:    facturama.Num(inv.Taxes.Withheld),
		}
	}
	for _, c := range inv.Concepts {
		concept := facturama.Concept{
			ProductKey:  c.ProductKey,
			Quantity:    facturama.Num(c.Quantity),
			UnitKey:     c.UnitKey,
			Unit:        c.Unit,
			Description: c.Description,
			UnitValue:   facturama.Num(c.UnitValue),
			Amount:      facturama.Num(c.Amount),
			Discount:    facturama.Num(c.Discount),
			TaxObject:   c.TaxObject,
		}
		if len(c.Transfers) > 0 {
			concept.Taxes = &facturama.ConceptTaxes{}
			for _, t := range c.Transfers {
				concept.Taxes.Transfers = append(concept.Taxes.Transfers, facturama.Transfer{
					Base:       facturama.Num(t.Base),
					Tax:        t.Tax,
					FactorType: t.FactorType,
					Rate:       t.Rate.StringFixed(6),
					Amount:     facturama.Num(t.Amount),
				})
			}
		}
		doc.Concepts = append(doc.Concepts, concept)
	}
	return doc
}

// grossSubtotal is the CFDI SubTotal: the sum of concept amounts before
// discounts. Descuento carries the discounts, so SubTotal - Descuento + taxes
// equals Total.
func grossSubtotal(concepts []Concept) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range concepts {
		sum = sum.Add(c.Amount)
	}
	return sum
}

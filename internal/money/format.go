package money

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Format renders amount with the currency symbol for locale (BCP 47, e.g.
// "es-MX"). Unknown locales fall back to English and unknown currencies to
// "<CODE> <amount>".
func Format(amount Amount, c Currency, locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	printer := message.NewPrinter(tag)
	value, _ := Round(amount, c).Float64()
	digits := number.Decimal(value, number.Scale(int(c.Exponent())))
	unit, err := currency.ParseISO(string(c))
	if err != nil {
		return printer.Sprintf("%s %v", string(c), digits)
	}
	return printer.Sprintf("%v %v", currency.Symbol(unit), digits)
}

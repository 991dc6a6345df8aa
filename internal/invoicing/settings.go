package invoicing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/invoicing/facturama"
	"github.com/toothpick/billing/internal/money"
)

// PACProvider names the stamping provider.
type PACProvider string

// Supported PAC providers.
const (
	PACNone      PACProvider = "none"
	PACFacturama PACProvider = "facturama"
)

const (
	defaultSeries      = "A"
	defaultFolioDigits = 6
	defaultPACURL      = "https://api.facturama.mx"
	defaultPACTimeout  = 30000
	defaultPACRetries  = 3
)

// Fiscal is the issuer's tax identity.
type Fiscal struct {
	RFC        string `json:"rfc"`
	LegalName  string `json:"legal_name"`
	TaxRegime  string `json:"tax_regime"`
	PostalCode string `json:"postal_code"`
	Email      string `json:"email"`
	Address    string `json:"address"`
}

// PACConfig holds the stamping provider credentials.
type PACConfig struct {
	Provider   PACProvider `json:"provider"`
	User       string      `json:"user"`
	Password   string      `json:"password,omitempty"`
	APIURL     string      `json:"api_url"`
	Sandbox    bool        `json:"sandbox"`
	SandboxURL string      `json:"sandbox_url,omitempty"`
	TimeoutMS  int         `json:"timeout_ms"`
	Retries    int         `json:"retries"`
	Enabled    bool        `json:"enabled"`
}

// Facturama converts the settings into a client config.
func (p PACConfig) Facturama() facturama.Config {
	return facturama.Config{
		User:       p.User,
		Password:   p.Password,
		APIURL:     p.APIURL,
		Sandbox:    p.Sandbox,
		SandboxURL: p.SandboxURL,
		Timeout:    time.Duration(p.TimeoutMS) * time.Millisecond,
		Retries:    p.Retries,
		Enabled:    p.Enabled && p.Provider == PACFacturama,
	}
}

// Series controls folio numbering.
type Series struct {
	Invoice      string         `json:"invoice"`
	InitialFolio int            `json:"initial_folio"`
	FolioDigits  int            `json:"folio_digits"`
	Current      map[string]int `json:"current,omitempty"`
}

// Currencies holds the organization's currency preferences.
type Currencies struct {
	Principal money.Currency `json:"principal"`
}

// Withholding is a retained tax.
type Withholding struct {
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

// TaxRule is the tax configuration for one country.
type TaxRule struct {
	Country      string          `json:"country"`
	VATRate      decimal.Decimal `json:"vat_rate"`
	Withholdings []Withholding   `json:"withholdings,omitempty"`
}

// EmailPrefs controls invoice delivery.
type EmailPrefs struct {
	Enabled bool     `json:"enabled"`
	Subject string   `json:"subject,omitempty"`
	Message string   `json:"message,omitempty"`
	CC      []string `json:"cc,omitempty"`
}

// Settings is the invoicing configuration of one organization.
type Settings struct {
	OrganizationID string     `json:"organization_id"`
	Country        string     `json:"country"`
	Fiscal         Fiscal     `json:"fiscal"`
	PAC            PACConfig  `json:"pac"`
	Series         Series     `json:"series"`
	Currencies     Currencies `json:"currencies"`
	Taxes          []TaxRule  `json:"taxes"`
	Email          EmailPrefs `json:"email"`
	DisablePDF     bool       `json:"disable_pdf"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ApplyDefaults fills unset numbering and PAC values.
func (s *Settings) ApplyDefaults() {
	s.Country = strings.ToUpper(strings.TrimSpace(s.Country))
	if s.Series.Invoice == "" {
		s.Series.Invoice = defaultSeries
	}
	if s.Series.InitialFolio <= 0 {
		s.Series.InitialFolio = 1
	}
	if s.Series.FolioDigits <= 0 {
		s.Series.FolioDigits = defaultFolioDigits
	}
	if s.PAC.Provider == "" {
		s.PAC.Provider = PACNone
	}
	if s.PAC.APIURL == "" {
		s.PAC.APIURL = defaultPACURL
	}
	if s.PAC.TimeoutMS <= 0 {
		s.PAC.TimeoutMS = defaultPACTimeout
	}
	if s.PAC.Retries <= 0 {
		s.PAC.Retries = defaultPACRetries
	}
	if s.Currencies.Principal == "" {
		s.Currencies.Principal = money.MXN
	}
}

// Validate lists configuration problems that block invoice issuance.
func (s Settings) Validate() []string {
	var problems []string
	if strings.TrimSpace(s.Fiscal.RFC) == "" {
		problems = append(problems, "fiscal RFC is required")
	}
	if strings.TrimSpace(s.Fiscal.LegalName) == "" {
		problems = append(problems, "fiscal legal name is required")
	}
	if strings.TrimSpace(s.Fiscal.Email) == "" {
		problems = append(problems, "fiscal email is required")
	}
	if s.Country == "MX" {
		if s.Fiscal.TaxRegime == "" {
			problems = append(problems, "tax regime is required in MX")
		}
		switch s.PAC.Provider {
		case PACNone, "":
			problems = append(problems, "a PAC provider is required in MX")
		case PACFacturama:
			if s.PAC.User == "" || s.PAC.Password == "" {
				problems = append(problems, "facturama user and password are required")
			}
		}
	}
	if s.Currencies.Principal != "" && !s.Currencies.Principal.Valid() {
		problems = append(problems, "principal currency is invalid")
	}
	return problems
}

// Redacted hides the PAC password.
func (s Settings) Redacted() Settings {
	if s.PAC.Password != "" {
		s.PAC.Password = "********"
	}
	return s
}

// TaxBreakdown is the result of applying the country tax rule.
type TaxBreakdown struct {
	VATRate     decimal.Decimal `json:"vat_rate"`
	Transferred decimal.Decimal `json:"transferred"`
	Withheld    decimal.Decimal `json:"withheld"`
	Total       decimal.Decimal `json:"total"`
}

// TaxRule returns the rule for the settings' country.
func (s Settings) TaxRule() (TaxRule, bool) {
	for _, rule := range s.Taxes {
		if strings.EqualFold(rule.Country, s.Country) {
			return rule, true
		}
	}
	return TaxRule{}, false
}

// CalculateTaxes applies the country rule to subtotal.
func (s Settings) CalculateTaxes(subtotal decimal.Decimal) TaxBreakdown {
	rule, ok := s.TaxRule()
	if !ok {
		return TaxBreakdown{Transferred: decimal.Zero, Withheld: decimal.Zero, Total: subtotal}
	}
	iva := subtotal.Mul(rule.VATRate).Round(2)
	withheld := decimal.Zero
	for _, w := range rule.Withholdings {
		withheld = withheld.Add(subtotal.Mul(w.Rate).Round(2))
	}
	return TaxBreakdown{
		VATRate:     rule.VATRate,
		Transferred: iva,
		Withheld:    withheld,
		Total:       subtotal.Add(iva).Sub(withheld),
	}
}

// FormatFolio zero-pads n to digits.
func FormatFolio(n, digits int) string {
	if digits <= 0 {
		digits = defaultFolioDigits
	}
	return fmt.Sprintf("%0*d", digits, n)
}

package methods

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     = validator.New()
	clabePattern = regexp.MustCompile(`^[0-9]{18}$`)
	swiftPattern = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	hundred      = decimal.NewFromInt(100)
)

// Validate checks field constraints, fees, limits and the rail account data.
func (m Method) Validate() error {
	var problems []string
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	if !m.Type.Valid() {
		problems = append(problems, fmt.Sprintf("%s: %s", ErrUnsupportedType, m.Type))
	}
	if !slices.Contains(SupportedCurrencies, m.Currency) {
		problems = append(problems, fmt.Sprintf("currency %s not supported", m.Currency))
	}
	if m.Fees.Percentage.IsNegative() || m.Fees.Percentage.GreaterThan(hundred) {
		problems = append(problems, "fee percentage must be between 0 and 100")
	}
	if m.Fees.Fixed.IsNegative() {
		problems = append(problems, "fixed fee must not be negative")
	}
	if m.Limits.Min.IsNegative() || m.Limits.Max.LessThan(m.Limits.Min) {
		problems = append(problems, "limits must satisfy 0 <= min <= max")
	}
	if err := m.ValidateAccountData(); err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), ErrInvalid.Error()+": "))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAccountData checks the account details required by the method type.
func (m Method) ValidateAccountData() error {
	acct := m.AccountData
	var problem string
	switch m.Type {
	case TypeStripe:
		if acct.StripeAccountID == "" {
			problem = "stripe account id required"
		}
	case TypePayPal:
		if acct.PayPalClientID == "" {
			problem = "paypal client id required"
		}
	case TypeSPEI:
		if !clabePattern.MatchString(acct.CLABE) {
			problem = "CLABE must have 18 digits"
		}
	case TypePIX:
		switch {
		case acct.PIXKey == "":
			problem = "pix key required"
		case !slices.Contains([]string{"email", "phone", "cpf", "random"}, acct.PIXKeyType):
			problem = "pix key type must be email, phone, cpf or random"
		}
	case TypeSWIFT:
		switch {
		case !swiftPattern.MatchString(acct.SWIFTCode):
			problem = "invalid SWIFT code"
		case acct.AccountNumber == "":
			problem = "account number required"
		}
	case TypeBankTransfer:
		if acct.AccountNumber == "" || acct.BankName == "" {
			problem = "account number and bank name required"
		}
	}
	if problem == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, problem)
}

package banktransfer

import "text/template"

var funcs = template.FuncMap{
	"pixKeyType": func(kind string) string {
		switch kind {
		case "email":
			return "E-mail"
		case "phone":
			return "Phone"
		case "cpf":
			return "CPF"
		case "random":
			return "Random key"
		}
		return kind
	},
}

var instructionTemplates = template.Must(template.New("instructions").Funcs(funcs).Parse(`
{{define "spei"}}SPEI TRANSFER INSTRUCTIONS

Reference: {{.Reference}}
Amount: {{.Amount}} {{.Currency}}
Bank: {{or .Account.BankName "Not specified"}}
CLABE: {{.Account.CLABE}}
Concept: {{.Beneficiary}} - {{.Reference}}

IMPORTANT:
- Complete the transfer within 24 hours
- Include the reference "{{.Reference}}" in the concept
- Keep your transfer receipt

STEPS:
1. Open your online banking or mobile app
2. Choose "SPEI transfer"
3. Enter the CLABE: {{.Account.CLABE}}
4. Exact amount: {{.Amount}} {{.Currency}}
5. Concept: {{.Beneficiary}} - {{.Reference}}
6. Confirm the transfer
{{end}}

{{define "pix"}}PIX PAYMENT INSTRUCTIONS

Reference: {{.Reference}}
Amount: R$ {{.Amount}}
Pix key: {{.Account.PIXKey}}
Key type: {{pixKeyType .Account.PIXKeyType}}
Description: {{.Beneficiary}} - {{.Reference}}

IMPORTANT:
- Pay within 30 minutes
- Include the reference "{{.Reference}}" in the description

STEPS:
1. Open your banking app or wallet
2. Choose "Pix" and "Pay with key"
3. Enter the key: {{.Account.PIXKey}}
4. Exact amount: R$ {{.Amount}}
5. Confirm the payment
{{end}}

{{define "swift"}}INTERNATIONAL WIRE TRANSFER INSTRUCTIONS

Reference: {{.Reference}}
Amount: {{.Amount}} {{.Currency}}
Bank: {{or .Account.BankName "Not specified"}}
SWIFT code: {{.Account.SWIFTCode}}
Account number: {{.Account.AccountNumber}}
{{- if .Account.IBAN}}
IBAN: {{.Account.IBAN}}
{{- end}}
Payment reference: {{.Beneficiary}} - {{.Reference}}

BENEFICIARY:
- Name: {{.Beneficiary}}
- Account number: {{.Account.AccountNumber}}

IMPORTANT:
- Complete the transfer within 5 business days
- Include the reference "{{.Reference}}" in the payment details
- Wire fees are the sender's responsibility
{{end}}

{{define "bank_transfer"}}BANK TRANSFER INSTRUCTIONS

Reference: {{.Reference}}
Amount: {{.Amount}} {{.Currency}}
Bank: {{.Account.BankName}}
Account number: {{.Account.AccountNumber}}
{{- if .Account.RoutingNumber}}
Routing number: {{.Account.RoutingNumber}}
{{- end}}
Concept: {{.Beneficiary}} - {{.Reference}}

IMPORTANT:
- Complete the transfer within 3 business days
- Include the reference "{{.Reference}}" in the concept
- Keep your transfer receipt
{{end}}
`))

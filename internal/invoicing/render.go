package invoicing

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/web"
)

// PDFClient converts HTML to PDF.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Renderer turns an invoice into a PDF via html/template and a PDF client.
type Renderer struct {
	tpl    *template.Template
	client PDFClient
}

type documentData struct {
	Invoice  Invoice
	Title    string
	Lang     string
	Address  string
	ShowRate bool
}

// NewRenderer parses the invoice template.
func NewRenderer(client PDFClient) (*Renderer, error) {
	if client == nil {
		return nil, errors.New("invoicing renderer: pdf client required")
	}
	tpl, err := template.New("invoice.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	}).ParseFS(web.Templates, "templates/invoices/invoice.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tpl: tpl, client: client}, nil
}

// HTML renders the invoice document.
func (r *Renderer) HTML(inv Invoice, s Settings) (string, error) {
	data := documentData{
		Invoice:  inv,
		Title:    "Invoice",
		Lang:     "en",
		Address:  s.Fiscal.Address,
		ShowRate: inv.Currency != s.Currencies.Principal && !inv.ExchangeRate.Equal(decimal.NewFromInt(1)),
	}
	if inv.IsCFDI() {
		data.Title = "CFDI"
		data.Lang = "es"
	}
	buf := &bytes.Buffer{}
	if err := r.tpl.Execute(buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render implements Documents.
func (r *Renderer) Render(ctx context.Context, inv Invoice, s Settings) ([]byte, error) {
	html, err := r.HTML(inv, s)
	if err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, html)
}

package invoicing

import (
	"context"
	"time"

	"github.com/toothpick/billing/report"
)

const (
	exportBatch   = 500
	maxExportRows = 10000
)

var invoiceExportHeader = []string{
	"Folio", "Type", "Status", "Issued at", "Receiver RFC", "Receiver", "Currency",
	"Subtotal", "Discount", "Taxes transferred", "Taxes withheld", "Total", "UUID",
}

// ExportInvoices collects every invoice matching f, newest first, up to
// maxExportRows.
func (s *Service) ExportInvoices(ctx context.Context, orgID string, f Filter) ([]Invoice, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []Invoice
	for len(out) < maxExportRows {
		items, _, err := s.repo.List(ctx, orgID, f, exportBatch, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) < exportBatch {
			break
		}
	}
	if len(out) > maxExportRows {
		out = out[:maxExportRows]
	}
	return out, nil
}

// InvoiceTable lays invoices out as a spreadsheet.
func InvoiceTable(items []Invoice) report.Table {
	rows := make([][]any, 0, len(items))
	for _, inv := range items {
		rows = append(rows, []any{
			inv.FullFolio,
			string(inv.Type),
			string(inv.Status),
			inv.IssuedAt.UTC().Format(time.RFC3339),
			inv.Receiver.RFC,
			inv.Receiver.Name,
			string(inv.Currency),
			inv.Subtotal.InexactFloat64(),
			inv.Discount.InexactFloat64(),
			inv.Taxes.Transferred.InexactFloat64(),
			inv.Taxes.Withheld.InexactFloat64(),
			inv.Total.InexactFloat64(),
			inv.UUID,
		})
	}
	return report.Table{Sheet: "Invoices", Header: invoiceExportHeader, Rows: rows}
}

package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/toothpick/billing/report"
)

const (
	exportBatch   = 500
	maxExportRows = 10000
)

var transactionExportHeader = []string{
	"Reference", "Status", "Method", "Order", "Payer", "Amount", "Currency",
	"Converted", "Converted currency", "Exchange rate", "Fees", "Created at", "Completed at",
}

// ExportTransactions collects the payee's transactions, newest first, up to
// maxExportRows.
func (s *Service) ExportTransactions(ctx context.Context, orgID string, status Status) ([]Transaction, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	var out []Transaction
	for len(out) < maxExportRows {
		items, _, err := s.repo.ListByOrganization(ctx, orgID, status, exportBatch, len(out))
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

// TransactionTable lays transactions out as a spreadsheet.
func TransactionTable(items []Transaction) report.Table {
	rows := make([][]any, 0, len(items))
	for _, tx := range items {
		completed := ""
		if tx.CompletedAt != nil {
			completed = tx.CompletedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []any{
			tx.ReferenceCode,
			string(tx.Status),
			string(tx.Method),
			tx.OrderID,
			tx.PayerID,
			tx.Amount.Original.InexactFloat64(),
			string(tx.Amount.Currency),
			tx.Amount.Converted.InexactFloat64(),
			string(tx.Amount.ConvertedCurrency),
			tx.Amount.ExchangeRate.InexactFloat64(),
			tx.Fees.Total.InexactFloat64(),
			tx.CreatedAt.UTC().Format(time.RFC3339),
			completed,
		})
	}
	return report.Table{Sheet: "Payments", Header: transactionExportHeader, Rows: rows}
}

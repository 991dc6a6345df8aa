package manual

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/money"
)

func TestManualProvider(t *testing.T) {
	p := New()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	out, err := p.Create(context.Background(), gateway.Charge{Reference: "PAY-1", Amount: decimal.NewFromInt(20), Currency: money.USD})
	require.NoError(t, err)
	require.Contains(t, out.Instructions, defaultInstructions)
	require.Contains(t, out.Instructions, "Amount: 20.00 USD")
	require.Equal(t, now.Add(7*24*time.Hour), *out.ExpiresAt)

	out, err = p.Create(context.Background(), gateway.Charge{Reference: "PAY-2", Amount: decimal.NewFromInt(20), Currency: money.USD,
		Account: methods.AccountData{Instructions: "Pay at the front desk"}})
	require.NoError(t, err)
	require.Contains(t, out.Instructions, "Pay at the front desk")

	outcome, err := p.Verify(context.Background(), gateway.Verification{})
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)

	receipt, err := p.Refund(context.Background(), gateway.RefundOrder{})
	require.NoError(t, err)
	require.Equal(t, "MANUAL-1769904000000", receipt.RefundID)
	require.Equal(t, gateway.RefundPending, receipt.Status)
}

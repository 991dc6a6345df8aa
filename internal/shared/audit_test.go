package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	args []any
	err  error
}

func (r *recordingExec) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestAuditRecordDefaults(t *testing.T) {
	db := &recordingExec{}
	logger := NewAuditLogger(db)

	ctx := ContextWithActor(context.Background(), "webhook:stripe")
	require.NoError(t, logger.Record(ctx, AuditLog{Action: "payment.paid", Entity: "payment_transaction", EntityID: "tx-1"}))
	require.Equal(t, "webhook:stripe", db.args[0])
	require.Equal(t, []byte("{}"), db.args[4])
	require.Nil(t, db.args[5])

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CST", -6*3600))
	require.NoError(t, logger.Record(context.Background(), AuditLog{
		Action: "ledger.post", Entity: "ledger_entry", EntityID: "e-1",
		Meta: map[string]any{"kind": "settlement"}, At: at,
	}))
	require.Equal(t, "system", db.args[0])
	require.JSONEq(t, `{"kind":"settlement"}`, string(db.args[4].([]byte)))
	require.Equal(t, at.UTC(), *db.args[5].(*time.Time))
}

func TestAuditRecordErrors(t *testing.T) {
	db := &recordingExec{err: errors.New("conn closed")}
	logger := NewAuditLogger(db)

	err := logger.Record(context.Background(), AuditLog{Action: "payment.paid", Entity: "payment_transaction"})
	require.ErrorIs(t, err, ErrAuditIncomplete)
	require.Nil(t, db.args)

	err = logger.Record(context.Background(), AuditLog{Action: "payment.paid", Entity: "payment_transaction", EntityID: "tx-1"})
	require.EqualError(t, err, "audit: insert payment_transaction tx-1: conn closed")

	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(context.Background(), AuditLog{}))
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/invoicing"
	jobmetrics "github.com/toothpick/billing/internal/jobs"
	"github.com/toothpick/billing/internal/ledger"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/mail"
)

type sentMail struct{ msgs []mail.Message }

func (s *sentMail) Send(_ context.Context, msg mail.Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

type retrier struct {
	now   time.Time
	limit int
	err   error
}

func (r *retrier) RetryDue(_ context.Context, now time.Time, limit int) (int, error) {
	r.now, r.limit = now, limit
	return 2, r.err
}

type deliverer struct {
	ids []string
	err error
}

func (d *deliverer) DeliverInvoice(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return d.err
}

type rates map[string]decimal.Decimal

func (r rates) Rate(_ context.Context, from, to money.Currency, _ fx.Source) (decimal.Decimal, error) {
	if v, ok := r[string(from)+string(to)]; ok {
		return v, nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s%s", from, to)
}

type cleaner struct{ olderThan time.Duration }

func (c *cleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.olderThan = olderThan
	return 7, nil
}

type checker struct{ out []ledger.Imbalance }

func (c checker) VerifyIntegrity(context.Context) ([]ledger.Imbalance, error) { return c.out, nil }

func task(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newJobs(deps Deps) *Jobs {
	if deps.Metrics == nil {
		deps.Metrics = jobmetrics.NewMetrics(prometheus.NewRegistry())
	}
	return New(deps).WithClock(func() time.Time { return testNow })
}

func TestHandlersOnlyForConfiguredDeps(t *testing.T) {
	j := newJobs(Deps{Payments: &retrier{}, Ledger: checker{}})
	var types []string
	for _, h := range j.Handlers() {
		types = append(types, h.Type)
	}
	require.Equal(t, []string{TaskPaymentsRetry, TaskLedgerIntegrity}, types)
}

func TestSendEmail(t *testing.T) {
	mailer := &sentMail{}
	j := newJobs(Deps{Mailer: mailer})

	err := j.SendEmail(context.Background(), task(t, TaskTypeSendEmail, SendEmailPayload{
		To: []string{"ana@example.com"}, Subject: "Receipt", Body: "<p>paid</p>", HTML: true,
		Attachments: []mail.Attachment{{Name: "r.pdf", Data: []byte("%PDF")}},
	}))
	require.NoError(t, err)
	require.Len(t, mailer.msgs, 1)
	require.Equal(t, "<p>paid</p>", mailer.msgs[0].HTML)
	require.Empty(t, mailer.msgs[0].Text)
	require.Equal(t, []byte("%PDF"), mailer.msgs[0].Attachments[0].Data)

	err = j.SendEmail(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = j.SendEmail(context.Background(), task(t, TaskTypeSendEmail, SendEmailPayload{Subject: "x"}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRetryPaymentsDefaultsLimit(t *testing.T) {
	r := &retrier{}
	j := newJobs(Deps{Payments: r})
	require.NoError(t, j.RetryPayments(context.Background(), asynq.NewTask(TaskPaymentsRetry, nil)))
	require.Equal(t, defaultRetryLimit, r.limit)
	require.Equal(t, testNow, r.now)

	r.err = errors.New("db down")
	require.Error(t, j.RetryPayments(context.Background(), task(t, TaskPaymentsRetry, PaymentsRetryPayload{Limit: 5})))
	require.Equal(t, 5, r.limit)
}

func TestDeliverInvoice(t *testing.T) {
	d := &deliverer{}
	j := newJobs(Deps{Invoices: d})
	require.NoError(t, j.DeliverInvoice(context.Background(), task(t, TaskInvoiceDeliver, InvoiceDeliverPayload{InvoiceID: "inv-1"})))
	require.Equal(t, []string{"inv-1"}, d.ids)

	d.err = invoicing.ErrNoRecipient
	err := j.DeliverInvoice(context.Background(), task(t, TaskInvoiceDeliver, InvoiceDeliverPayload{InvoiceID: "inv-2"}))
	require.ErrorIs(t, err, asynq.SkipRetry)

	d.err = invoicing.ErrNotFound
	err = j.DeliverInvoice(context.Background(), task(t, TaskInvoiceDeliver, InvoiceDeliverPayload{InvoiceID: "inv-3"}))
	require.ErrorIs(t, err, asynq.SkipRetry)

	d.err = errors.New("smtp timeout")
	err = j.DeliverInvoice(context.Background(), task(t, TaskInvoiceDeliver, InvoiceDeliverPayload{InvoiceID: "inv-4"}))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	err = j.DeliverInvoice(context.Background(), task(t, TaskInvoiceDeliver, InvoiceDeliverPayload{}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWarmRates(t *testing.T) {
	j := newJobs(Deps{Rates: rates{"USDMXN": decimal.RequireFromString("17.2")}})
	err := j.WarmRates(context.Background(), task(t, TaskFXWarmup, FXWarmupPayload{Base: "USD", Targets: []string{"MXN", "EUR", "USD"}}))
	require.NoError(t, err)

	err = j.WarmRates(context.Background(), task(t, TaskFXWarmup, FXWarmupPayload{Base: "USD", Targets: []string{"EUR"}}))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	err = j.WarmRates(context.Background(), task(t, TaskFXWarmup, FXWarmupPayload{Base: "dollars"}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCleanupIdempotency(t *testing.T) {
	c := &cleaner{}
	j := newJobs(Deps{Idempotency: c})
	require.NoError(t, j.CleanupIdempotency(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 24*time.Hour, c.olderThan)
	require.NoError(t, j.CleanupIdempotency(context.Background(), task(t, TaskIdempotencyCleanup, IdempotencyCleanupPayload{RetentionHours: 72})))
	require.Equal(t, 72*time.Hour, c.olderThan)
}

func TestCheckLedger(t *testing.T) {
	j := newJobs(Deps{Ledger: checker{}})
	require.NoError(t, j.CheckLedger(context.Background(), NewLedgerIntegrityTask()))

	j = newJobs(Deps{Ledger: checker{out: []ledger.Imbalance{{Currency: money.MXN, EntryID: "e-1", Debits: 100, Credits: 90}}}})
	require.ErrorIs(t, j.CheckLedger(context.Background(), NewLedgerIntegrityTask()), ErrLedgerImbalance)
}

func TestSchedule(t *testing.T) {
	entries, err := Schedule(ScheduleConfig{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	pairs, err := fx.ParsePairs("USDMXN,EURMXN,USDEUR")
	require.NoError(t, err)
	warmups := WarmupsFromPairs(pairs)
	require.Equal(t, []FXWarmupPayload{
		{Base: "USD", Targets: []string{"MXN", "EUR"}},
		{Base: "EUR", Targets: []string{"MXN"}},
	}, warmups)

	entries, err = Schedule(ScheduleConfig{RateWarmups: warmups})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	specs := map[string]string{}
	for _, e := range entries {
		specs[e.Task.Type()] = e.Spec
	}
	require.Equal(t, map[string]string{
		TaskPaymentsRetry:      "*/5 * * * *",
		TaskIdempotencyCleanup: "0 3 * * *",
		TaskLedgerIntegrity:    "30 2 * * *",
		TaskFXWarmup:           "0 * * * *",
	}, specs)
}

func TestEnqueueInvoiceDeliveryIsDeduplicated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.EnqueueInvoiceDelivery(ctx, "inv-1"))
	require.NoError(t, client.EnqueueInvoiceDelivery(ctx, "inv-1"))

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	require.Equal(t, []string{"invoice:deliver:inv-1"}, pending)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func TestHealth(t *testing.T) {
	serve := func(inspector QueueInspector) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rr
	}

	rr := serve(fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4, Retry: 1}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":4,"active":0,"scheduled":0,"retry":1,"archived":0}`, rr.Body.String())

	rr = serve(fakeInspector{err: fmt.Errorf("wrapped: %w", asynq.ErrQueueNotFound)})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(fakeInspector{err: errors.New("redis down")})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serve(nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

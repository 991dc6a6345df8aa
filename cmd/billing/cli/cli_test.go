package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/jobs"
)

type stubRates struct {
	quotes map[string]decimal.Decimal
	source fx.Source
}

func (s *stubRates) Rate(_ context.Context, from, to money.Currency, source fx.Source) (decimal.Decimal, error) {
	s.source = source
	rate, ok := s.quotes[string(from)+string(to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote for %s%s", from, to)
	}
	return rate, nil
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("t-%d", len(r.tasks)), Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func newFXCLI(t *testing.T, rates *stubRates) *FXOpsCLI {
	t.Helper()
	cli, err := NewFXOpsCLI(rates, fx.SourceExchangeRateAPI)
	require.NoError(t, err)
	return cli
}

func TestValidateCommandJSONSuccess(t *testing.T) {
	rates := &stubRates{quotes: map[string]decimal.Decimal{
		"USDMXN": decimal.RequireFromString("17.25"),
		"EURMXN": decimal.RequireFromString("18.9"),
	}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := newFXCLI(t, rates).ValidateCommand(context.Background(), FXValidateOptions{
		Pairs:      "USDMXN,EURMXN",
		Provider:   "banxico",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, ExitOK, code)
	require.Empty(t, stderr.String())
	require.Equal(t, fx.SourceBanxico, rates.source)

	var summary FXValidateSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, "banxico", summary.Source)
	require.Empty(t, summary.Gaps)
	require.Equal(t, []FXAvailableRate{{Pair: "EURMXN", Rate: "18.9"}, {Pair: "USDMXN", Rate: "17.25"}}, summary.Available)
}

func TestValidateCommandReportsGaps(t *testing.T) {
	rates := &stubRates{quotes: map[string]decimal.Decimal{"USDMXN": decimal.RequireFromString("17.25")}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := newFXCLI(t, rates).ValidateCommand(context.Background(), FXValidateOptions{
		Pairs:  "USDMXN,GBPMXN",
		Stdout: stdout,
		Stderr: stderr,
	})
	require.Equal(t, ExitGaps, code)
	require.Contains(t, stdout.String(), "1 gap(s) detected")
	require.Contains(t, stdout.String(), "GBPMXN: no quote for GBPMXN")
	require.Contains(t, stdout.String(), "USDMXN 17.25")
	require.Equal(t, fx.SourceExchangeRateAPI, rates.source)
}

func TestValidateCommandRejectsBadInput(t *testing.T) {
	cli := newFXCLI(t, &stubRates{})
	for _, opts := range []FXValidateOptions{
		{},
		{Pairs: "USDMX"},
		{Pairs: "USDMXN", Provider: "ecb"},
	} {
		stderr := new(bytes.Buffer)
		opts.Stdout, opts.Stderr = new(bytes.Buffer), stderr
		require.Equal(t, ExitFail, cli.ValidateCommand(context.Background(), opts))
		require.Contains(t, stderr.String(), "fx validate:")
	}

	_, err := NewFXOpsCLI(nil, "")
	require.Error(t, err)
}

func TestTrigger(t *testing.T) {
	enq := &recordingEnqueuer{}
	cli := NewJobsCLI(enq, nil)
	ctx := context.Background()

	for _, name := range []string{jobs.TaskPaymentsRetry, jobs.TaskIdempotencyCleanup, jobs.TaskLedgerIntegrity} {
		info, err := cli.Trigger(ctx, name, TriggerOptions{})
		require.NoError(t, err)
		require.Equal(t, name, info.Type)
	}

	_, err := cli.Trigger(ctx, jobs.TaskInvoiceDeliver, TriggerOptions{})
	require.ErrorContains(t, err, "--invoice")
	_, err = cli.Trigger(ctx, jobs.TaskInvoiceDeliver, TriggerOptions{InvoiceID: "inv-9"})
	require.NoError(t, err)
	require.JSONEq(t, `{"invoice_id":"inv-9"}`, string(enq.tasks[len(enq.tasks)-1].Payload()))

	_, err = cli.Trigger(ctx, jobs.TaskFXWarmup, TriggerOptions{Pairs: "USDMXN,EURMXN"})
	require.ErrorContains(t, err, "one base currency")
	_, err = cli.Trigger(ctx, jobs.TaskFXWarmup, TriggerOptions{Pairs: "USDMXN,USDEUR"})
	require.NoError(t, err)

	_, err = cli.Trigger(ctx, "reports:build", TriggerOptions{})
	require.ErrorContains(t, err, "unsupported job")
	require.Len(t, enq.tasks, 5)

	_, err = NewJobsCLI(nil, nil).Trigger(ctx, jobs.TaskPaymentsRetry, TriggerOptions{})
	require.Error(t, err)
}

func TestInspectQueue(t *testing.T) {
	stats, err := NewJobsCLI(nil, stubInspector{info: &asynq.QueueInfo{Pending: 3, Archived: 1}}).InspectQueue()
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Archived: 1}, stats)

	stats, err = NewJobsCLI(nil, stubInspector{err: asynq.ErrQueueNotFound}).InspectQueue()
	require.NoError(t, err)
	require.Zero(t, stats.Pending)

	_, err = NewJobsCLI(nil, stubInspector{err: errors.New("redis down")}).InspectQueue()
	require.Error(t, err)
}

func TestRunDispatch(t *testing.T) {
	enq := &recordingEnqueuer{}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmds := Commands{
		FX:     newFXCLI(t, &stubRates{quotes: map[string]decimal.Decimal{"USDMXN": decimal.NewFromInt(17)}}),
		Jobs:   NewJobsCLI(enq, stubInspector{info: &asynq.QueueInfo{Retry: 2}}),
		Stdout: stdout,
		Stderr: stderr,
	}
	ctx := context.Background()

	require.True(t, IsCommand([]string{"jobs", "stats"}))
	require.False(t, IsCommand([]string{"serve"}))
	require.False(t, IsCommand(nil))

	require.Equal(t, ExitOK, Run(ctx, []string{"fx", "validate", "--pairs", "USDMXN", "--json"}, cmds))
	require.Contains(t, stdout.String(), `"ok":true`)

	stdout.Reset()
	require.Equal(t, ExitOK, Run(ctx, []string{"jobs", "trigger", jobs.TaskInvoiceDeliver, "--invoice", "inv-1"}, cmds))
	require.Contains(t, stdout.String(), "enqueued invoice:deliver as t-1")

	stdout.Reset()
	require.Equal(t, ExitOK, Run(ctx, []string{"jobs", "stats"}, cmds))
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":2,"archived":0}`, stdout.String())

	require.Equal(t, ExitFail, Run(ctx, []string{"jobs", "trigger", jobs.TaskInvoiceDeliver}, cmds))
	require.Equal(t, ExitUsage, Run(ctx, []string{"jobs", "trigger"}, cmds))
	require.Equal(t, ExitUsage, Run(ctx, []string{"fx", "validate", "--bogus"}, cmds))
	require.Equal(t, ExitUsage, Run(ctx, []string{"fx"}, cmds))
	require.Equal(t, ExitUsage, Run(ctx, []string{"jobs", "purge"}, cmds))
	require.Contains(t, stderr.String(), "usage:")

	stderr.Reset()
	require.Equal(t, ExitGaps, Run(ctx, []string{"fx", "validate", "--pairs", "USDMXN,GBPMXN"}, cmds))
	require.Contains(t, stdout.String(), "1 gap(s) detected")
	require.NotContains(t, stderr.String(), "usage:")
}

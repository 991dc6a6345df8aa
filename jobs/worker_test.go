package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *asynq.Task) error { return nil }

func TestNewWorkerRejectsDuplicateHandlers(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Handlers: []TaskHandler{
			{Type: TaskPaymentsRetry, Handler: noop},
			{Type: TaskPaymentsRetry, Handler: noop},
		},
	})
	require.EqualError(t, err, "worker: duplicate handler for payments:retry")
}

func TestNewWorkerRejectsBadCronSpec(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Handlers:  []TaskHandler{{Type: TaskLedgerIntegrity, Handler: noop}},
		Cron:      []CronRegistration{{Spec: "every day", Task: NewLedgerIntegrityTask()}},
	})
	require.ErrorContains(t, err, "worker: register ledger:integrity")
}

func TestNewWorkerSkipsEmptyEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Handlers:  []TaskHandler{{Type: ""}, {Type: TaskFXWarmup}},
		Cron:      []CronRegistration{{Spec: "", Task: NewLedgerIntegrityTask()}, {Spec: "0 * * * *"}},
	})
	require.NoError(t, err)
	require.NotNil(t, w.scheduler)
}

func TestStats(t *testing.T) {
	stats, err := Stats(fakeInspector{info: &asynq.QueueInfo{Queue: "default", Active: 2, Scheduled: 5}})
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: QueueDefault, Active: 2, Scheduled: 5}, stats)

	stats, err = Stats(nil)
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: QueueDefault}, stats)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/jobs"
)

// Enqueuer is the part of asynq.Client the CLI needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for the billing queue.
type JobsCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
}

// NewJobsCLI builds the helpers around an enqueuer and a queue inspector.
func NewJobsCLI(client Enqueuer, inspector jobs.QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// TriggerOptions carries the optional arguments of a manual trigger.
type TriggerOptions struct {
	InvoiceID string
	Pairs     string
	Limit     int
	Retention int
}

// Triggerable lists the task types that can be enqueued by hand.
func Triggerable() []string {
	return []string{
		jobs.TaskPaymentsRetry,
		jobs.TaskInvoiceDeliver,
		jobs.TaskFXWarmup,
		jobs.TaskIdempotencyCleanup,
		jobs.TaskLedgerIntegrity,
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var (
		task *asynq.Task
		err  error
	)
	switch name {
	case jobs.TaskPaymentsRetry:
		task, err = jobs.NewPaymentsRetryTask(jobs.PaymentsRetryPayload{Limit: opts.Limit})
	case jobs.TaskInvoiceDeliver:
		if strings.TrimSpace(opts.InvoiceID) == "" {
			return nil, errors.New("jobs cli: --invoice is required for invoice:deliver")
		}
		task, err = jobs.NewInvoiceDeliverTask(opts.InvoiceID)
	case jobs.TaskFXWarmup:
		pairs, perr := fx.ParsePairs(opts.Pairs)
		if perr != nil {
			return nil, perr
		}
		warmups := jobs.WarmupsFromPairs(pairs)
		if len(warmups) != 1 {
			return nil, errors.New("jobs cli: fx:warmup needs pairs sharing one base currency")
		}
		task, err = jobs.NewFXWarmupTask(warmups[0])
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewIdempotencyCleanupTask(jobs.IdempotencyCleanupPayload{RetentionHours: opts.Retention})
	case jobs.TaskLedgerIntegrity:
		task = jobs.NewLedgerIntegrityTask()
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats = jobs.QueueStats

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.Stats(c.inspector)
}

package jobmetrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric
		}
	}
	return nil
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := sample(t, reg, name, labels)
	if m == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	at := time.Date(2026, 5, 4, 2, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	require.NoError(t, m.Track("ledger:integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:integrity").End(boom), boom)
	dropped := fmt.Errorf("bad payload: %w", asynq.SkipRetry)
	require.ErrorIs(t, m.Track("ledger:integrity").End(dropped), asynq.SkipRetry)

	job := map[string]string{"job": "ledger:integrity"}
	require.Equal(t, 1.0, counter(t, reg, "billing_jobs_total", map[string]string{"job": "ledger:integrity", "status": StatusSuccess}))
	require.Equal(t, 1.0, counter(t, reg, "billing_jobs_total", map[string]string{"job": "ledger:integrity", "status": StatusRetry}))
	require.Equal(t, 1.0, counter(t, reg, "billing_jobs_total", map[string]string{"job": "ledger:integrity", "status": StatusDropped}))
	require.Equal(t, 2.0, counter(t, reg, "billing_jobs_failures_total", job))

	last := sample(t, reg, "billing_job_last_success_timestamp_seconds", job)
	require.NotNil(t, last)
	require.Equal(t, float64(at.Unix()), last.GetGauge().GetValue())
}

func TestNilMetricsTracker(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("fx:warmup").End(boom), boom)
	require.NoError(t, m.Track("fx:warmup").End(nil))
}

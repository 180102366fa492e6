package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/xraph/txflow/observability"

// Compile-time interface checks.
var (
	_ hook.Extension       = (*MetricsExtension)(nil)
	_ hook.JobEnqueued     = (*MetricsExtension)(nil)
	_ hook.JobStarted      = (*MetricsExtension)(nil)
	_ hook.JobSucceeded    = (*MetricsExtension)(nil)
	_ hook.JobFailed       = (*MetricsExtension)(nil)
	_ hook.JobRetrying     = (*MetricsExtension)(nil)
	_ hook.JobDeadLettered = (*MetricsExtension)(nil)
	_ hook.TxCommitted     = (*MetricsExtension)(nil)
	_ hook.TxRolledBack    = (*MetricsExtension)(nil)
	_ hook.CronFired       = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle counters and latency histograms.
//
// Instruments:
//   - txflow.job.enqueued / started / succeeded / failed / retried /
//     dead_lettered (Int64Counter), with job_name and queue attributes
//   - txflow.job.run_duration (Float64Histogram): successful run time in
//     seconds
//   - txflow.tx.committed / rolled_back (Int64Counter)
//   - txflow.tx.duration (Float64Histogram): committed unit-of-work time
//     in seconds
//   - txflow.cron.fired (Int64Counter), with entry attribute
type MetricsExtension struct {
	jobEnqueued     metric.Int64Counter
	jobStarted      metric.Int64Counter
	jobSucceeded    metric.Int64Counter
	jobFailed       metric.Int64Counter
	jobRetried      metric.Int64Counter
	jobDeadLettered metric.Int64Counter
	jobRunDuration  metric.Float64Histogram
	txCommitted     metric.Int64Counter
	txRolledBack    metric.Int64Counter
	txDuration      metric.Float64Histogram
	cronFired       metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.jobEnqueued, _ = meter.Int64Counter("txflow.job.enqueued",
		metric.WithDescription("Jobs enqueued"), metric.WithUnit("{job}"))
	m.jobStarted, _ = meter.Int64Counter("txflow.job.started",
		metric.WithDescription("Job executions started"), metric.WithUnit("{job}"))
	m.jobSucceeded, _ = meter.Int64Counter("txflow.job.succeeded",
		metric.WithDescription("Jobs finished successfully"), metric.WithUnit("{job}"))
	m.jobFailed, _ = meter.Int64Counter("txflow.job.failed",
		metric.WithDescription("Jobs failed terminally"), metric.WithUnit("{job}"))
	m.jobRetried, _ = meter.Int64Counter("txflow.job.retried",
		metric.WithDescription("Job retry attempts scheduled"), metric.WithUnit("{job}"))
	m.jobDeadLettered, _ = meter.Int64Counter("txflow.job.dead_lettered",
		metric.WithDescription("Jobs moved to the dead letter queue"), metric.WithUnit("{job}"))
	m.jobRunDuration, _ = meter.Float64Histogram("txflow.job.run_duration",
		metric.WithDescription("Duration of successful job runs in seconds"), metric.WithUnit("s"))
	m.txCommitted, _ = meter.Int64Counter("txflow.tx.committed",
		metric.WithDescription("Units of work committed"), metric.WithUnit("{transaction}"))
	m.txRolledBack, _ = meter.Int64Counter("txflow.tx.rolled_back",
		metric.WithDescription("Units of work rolled back"), metric.WithUnit("{transaction}"))
	m.txDuration, _ = meter.Float64Histogram("txflow.tx.duration",
		metric.WithDescription("Duration of committed units of work in seconds"), metric.WithUnit("s"))
	m.cronFired, _ = meter.Int64Counter("txflow.cron.fired",
		metric.WithDescription("Cron entries fired"), metric.WithUnit("{fire}"))

	return m
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job_name", j.Name),
		attribute.String("queue", j.Queue),
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements hook.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.jobStarted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobSucceeded implements hook.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobSucceeded.Add(ctx, 1, jobAttrs(j))
	m.jobRunDuration.Record(ctx, elapsed.Seconds(), jobAttrs(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobDeadLettered implements hook.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, _ error) error {
	m.jobDeadLettered.Add(ctx, 1, jobAttrs(j))
	return nil
}

// ── Transaction lifecycle hooks ─────────────────────

// OnTxCommitted implements hook.TxCommitted.
func (m *MetricsExtension) OnTxCommitted(ctx context.Context, _ id.TxnID, elapsed time.Duration) error {
	m.txCommitted.Add(ctx, 1)
	m.txDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnTxRolledBack implements hook.TxRolledBack.
func (m *MetricsExtension) OnTxRolledBack(ctx context.Context, _ id.TxnID, _ error) error {
	m.txRolledBack.Add(ctx, 1)
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements hook.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.JobID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", entryName)))
	return nil
}

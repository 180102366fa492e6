// Package engine wires all txflow subsystems together. It creates the
// extension registry, job registry, transaction coordinator, event bus,
// middleware chain, worker pool, cron scheduler, and service proxy, and
// provides Register/Enqueue/Begin operations.
//
// This package exists to break the import cycle: the root txflow package
// defines Entity (imported by job, dlq, etc.) and so cannot import those
// packages back. The engine package sits above all subsystem packages
// and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/backoff"
	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/cron"
	"github.com/xraph/txflow/dlq"
	"github.com/xraph/txflow/hook"
	"github.com/xraph/txflow/id"
	"github.com/xraph/txflow/job"
	mw "github.com/xraph/txflow/middleware"
	"github.com/xraph/txflow/notify"
	"github.com/xraph/txflow/observability"
	"github.com/xraph/txflow/proxy"
	"github.com/xraph/txflow/queue"
	"github.com/xraph/txflow/tx"
	"github.com/xraph/txflow/worker"
)

// Engine wraps a Runtime with typed subsystem access.
// Use Build() to create one from a Runtime.
type Engine struct {
	rt          *txflow.Runtime
	hooks       *hook.Registry
	registry    *job.Registry
	jobStore    job.Store
	coordinator *tx.Coordinator
	eventBus    bus.Bus
	ownBus      bool
	dlqService  *dlq.Service
	bo          backoff.Strategy
	pool        *worker.Pool
	mws         []mw.Middleware
	logger      *slog.Logger

	// Cron subsystem.
	cronStore cron.Store
	scheduler *cron.Scheduler

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Service proxy.
	services *proxy.Registry
	caller   *proxy.Caller

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) {
		eng.hooks.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, plain exponential backoff with the runtime's configured
// base and ceiling is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithBus sets the event bus implementation. If not set, an in-process
// bus is created (and closed on Stop). Pass an amqpbus.Bus for
// cross-process delivery; externally supplied buses are not closed by
// the engine.
func WithBus(b bus.Bus) Option {
	return func(eng *Engine) {
		eng.eventBus = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Runtime.
// The Runtime's store must implement the subsystem store interfaces
// (tx.Provider, job.Store, dlq.Store, cron.Store).
func Build(rt *txflow.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	st := rt.Store()

	if st == nil {
		return nil, txflow.ErrNoStore
	}

	provider, ok := st.(tx.Provider)
	if !ok {
		return nil, fmt.Errorf("txflow: store does not implement tx.Provider")
	}
	js, ok := st.(job.Store)
	if !ok {
		return nil, fmt.Errorf("txflow: store does not implement job.Store")
	}
	ds, ok := st.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("txflow: store does not implement dlq.Store")
	}
	cs, ok := st.(cron.Store)
	if !ok {
		return nil, fmt.Errorf("txflow: store does not implement cron.Store")
	}

	eng := &Engine{
		rt:       rt,
		hooks:    hook.NewRegistry(logger),
		registry: job.NewRegistry(),
		jobStore: js,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	config := rt.Config()

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.NewExponential(config.BaseBackoff, config.BackoffCeiling)
	}

	// Default bus: in-process, owned (closed) by the engine.
	if eng.eventBus == nil {
		eng.eventBus = bus.NewInProc(logger)
		eng.ownBus = true
	}

	// Bridge lifecycle hooks onto the bus.
	eng.hooks.Register(notify.New(eng.eventBus))

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/txflow/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.hooks.Register(obsExt)

	// Create the DLQ service and transaction coordinator.
	eng.dlqService = dlq.NewService(ds, js)
	eng.coordinator = tx.NewCoordinator(provider, js, eng.eventBus, eng.hooks, logger, config)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/txflow")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/txflow")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create executor and pool.
	executor := worker.NewExecutor(eng.registry, eng.hooks, eng.jobStore, eng.dlqService, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.WorkerPoolSize),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithClaimLease(config.ClaimLease),
		worker.WithLeaseRenewInterval(config.LeaseRenewInterval),
		worker.WithReclaimInterval(config.ClaimLease),
	}

	// Create queue manager if queue configs were provided.
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(
		eng.jobStore,
		executor,
		eng.hooks,
		logger,
		poolOpts...,
	)

	// Wire back into the Runtime.
	rt.SetPool(eng.pool)
	rt.SetHooks(eng.hooks)

	// Create cron scheduler.
	eng.cronStore = cs
	enqueueFunc := func(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, name, payload, opts...)
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}
	eng.scheduler = cron.NewScheduler(cs, enqueueFunc, eng.hooks, eng.pool.WorkerID(), logger)

	// Create the service proxy.
	eng.services = proxy.NewRegistry()
	eng.caller = proxy.NewCaller(logger, config.CallTimeout)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a typed payload.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}

	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	jobOpts := job.DefaultOptions()
	jobOpts.MaxAttempts = eng.rt.Config().MaxAttempts
	for _, opt := range opts {
		opt(&jobOpts)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      txflow.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Payload:     payload,
		State:       job.StateQueued,
		Queue:       jobOpts.Queue,
		Priority:    jobOpts.Priority,
		MaxAttempts: jobOpts.MaxAttempts,
		Timeout:     jobOpts.Timeout,
		RunAt:       now,
	}
	if !jobOpts.RunAt.IsZero() {
		j.RunAt = jobOpts.RunAt
	}

	if err := eng.jobStore.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// Cancel transitions a queued or retrying job to cancelled. Returns true
// if the job was cancelled, false if it was already running or terminal.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	return eng.jobStore.CancelJob(ctx, jobID)
}

// Begin opens a unit of work bound to a storage transaction.
func (eng *Engine) Begin(ctx context.Context) (*tx.UnitOfWork, error) {
	return eng.coordinator.Begin(ctx)
}

// Run executes fn inside a unit of work with automatic conflict retry.
func (eng *Engine) Run(ctx context.Context, fn func(ctx context.Context, uow *tx.UnitOfWork) error) error {
	return eng.coordinator.Run(ctx, fn)
}

// Publish publishes an event on the engine's bus.
func (eng *Engine) Publish(ctx context.Context, evt *bus.Event) error {
	return eng.eventBus.Publish(ctx, evt)
}

// Subscribe registers a handler on a bus channel.
func (eng *Engine) Subscribe(channel string, handler bus.Handler) *bus.Subscription {
	return eng.eventBus.Subscribe(channel, handler)
}

// Unsubscribe removes a bus subscription.
func (eng *Engine) Unsubscribe(sub *bus.Subscription) {
	eng.eventBus.Unsubscribe(sub)
}

// Start begins job processing by starting the cron scheduler and the
// worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return eng.rt.Start(ctx)
}

// Stop gracefully shuts down the engine: the cron scheduler, the worker
// pool (via the runtime), and finally the engine-owned event bus.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}

	err := eng.rt.Stop(ctx)

	if eng.ownBus {
		if busErr := eng.eventBus.Close(); busErr != nil {
			eng.logger.Error("event bus close error", slog.String("error", busErr.Error()))
		}
	}
	return err
}

// Hooks returns the extension registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Runtime returns the underlying Runtime.
func (eng *Engine) Runtime() *txflow.Runtime { return eng.rt }

// Coordinator returns the transaction coordinator.
func (eng *Engine) Coordinator() *tx.Coordinator { return eng.coordinator }

// Bus returns the event bus.
func (eng *Engine) Bus() bus.Bus { return eng.eventBus }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// CronStore returns the cron store.
func (eng *Engine) CronStore() cron.Store { return eng.cronStore }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Services returns the service registry.
func (eng *Engine) Services() *proxy.Registry { return eng.services }

// Caller returns the service caller.
func (eng *Engine) Caller() *proxy.Caller { return eng.caller }

// RegisterCron registers a typed cron definition with the engine.
// It validates the schedule expression, computes the initial NextRunAt,
// and persists the entry. Re-registration of the same name is idempotent.
func RegisterCron[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	sched, err := cron.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", def.Schedule, err)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal cron payload: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	entry := &cron.Entry{
		Entity:    txflow.NewEntity(),
		ID:        id.NewCronID(),
		Name:      def.Name,
		Schedule:  def.Schedule,
		JobName:   def.JobName,
		Queue:     def.Queue,
		Payload:   payload,
		NextRunAt: &next,
		Enabled:   true,
	}

	if err := eng.cronStore.RegisterCron(ctx, entry); err != nil {
		// Idempotent: ignore duplicate cron entries.
		if errors.Is(err, txflow.ErrDuplicateCron) {
			return nil
		}
		return fmt.Errorf("register cron %q: %w", def.Name, err)
	}

	eng.logger.Info("cron registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.String("job_name", def.JobName),
		slog.Time("next_run_at", next),
	)

	return nil
}

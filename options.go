package txflow

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// hookEmitter is an internal interface for lifecycle shutdown events.
type hookEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Runtime is the central coordinator for transactional units of work,
// background job processing, event fan-out, and service calls.
//
// Create one with New() and functional options. The Runtime holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Runtime struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  hookEmitter
	pool   poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Store returns the runtime's store.
func (rt *Runtime) Store() Storer { return rt.store }

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.config }

// SetPool sets the worker pool (called by the engine package).
func (rt *Runtime) SetPool(p poolRunner) { rt.pool = p }

// SetHooks sets the hook emitter (called by the engine package).
func (rt *Runtime) SetHooks(h hookEmitter) { rt.hooks = h }

// Start begins job processing.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.pool == nil {
		return ErrNoStore
	}
	if err := rt.pool.Start(ctx); err != nil {
		return err
	}
	rt.started = true
	return nil
}

// Stop gracefully shuts down the runtime.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.pool != nil && rt.started {
		if err := rt.pool.Stop(ctx); err != nil {
			rt.logger.Error("pool stop error", "error", err)
		}
	}
	if rt.hooks != nil {
		rt.hooks.EmitShutdown(ctx)
	}
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// WithWorkerPoolSize sets the maximum number of concurrent job processors.
func WithWorkerPoolSize(n int) Option {
	return func(rt *Runtime) error {
		rt.config.WorkerPoolSize = n
		return nil
	}
}

// WithQueues sets the queues the worker pool will poll.
func WithQueues(queues []string) Option {
	return func(rt *Runtime) error {
		rt.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the runtime.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the runtime.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(rt *Runtime) error {
		rt.store = s
		return nil
	}
}

// WithMaxAttempts sets the default retry budget for jobs.
func WithMaxAttempts(n int) Option {
	return func(rt *Runtime) error {
		rt.config.MaxAttempts = n
		return nil
	}
}

// WithBackoff sets the base delay and ceiling for retry backoff.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.BaseBackoff = base
		rt.config.BackoffCeiling = ceiling
		return nil
	}
}

// WithClaimLease sets the job claim lease duration and renew interval.
func WithClaimLease(lease, renew time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.ClaimLease = lease
		rt.config.LeaseRenewInterval = renew
		return nil
	}
}

// WithCallTimeout sets the default timeout for outbound service calls.
func WithCallTimeout(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.CallTimeout = d
		return nil
	}
}

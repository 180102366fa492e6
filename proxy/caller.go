package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/txflow"
)

// Caller performs timeout-bounded service calls through handles.
// It is safe for concurrent use.
type Caller struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// CallOption configures a single call.
type CallOption func(*callOpts)

type callOpts struct {
	timeout time.Duration
}

// WithTimeout overrides the caller's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = d }
}

// NewCaller creates a caller with the given default per-call timeout.
func NewCaller(logger *slog.Logger, defaultTimeout time.Duration) *Caller {
	return &Caller{
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

type invokeResult struct {
	data []byte
	err  error
}

// Call resolves the handle, invokes method with msgpack-encoded args,
// and decodes the result into reply (reply may be nil for calls with no
// result). Every call is bounded by an explicit timeout.
//
// Errors are classified:
//   - txflow.ErrCallTimeout — the call did not complete in time
//   - txflow.ErrUnreachable — the transport could not reach the target
//   - *RemoteError — the target ran and reported an application failure
//   - txflow.ErrServiceNotFound — the name is not bound in the registry
//
// Call never retries.
func (c *Caller) Call(ctx context.Context, h *Handle, method string, args, reply any, opts ...CallOption) error {
	o := callOpts{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	inv, err := h.resolvedInvoker(ctx)
	if err != nil {
		return err
	}

	var encoded []byte
	if args != nil {
		encoded, err = msgpack.Marshal(args)
		if err != nil {
			return fmt.Errorf("proxy: marshal args: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Invoke in a goroutine so a blocking target cannot outlive the
	// timeout. The goroutine writes to a buffered channel and is
	// abandoned on timeout.
	resultCh := make(chan invokeResult, 1)
	go func() {
		data, invErr := inv.Invoke(callCtx, method, encoded)
		resultCh <- invokeResult{data: data, err: invErr}
	}()

	var res invokeResult
	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s.%s after %s", txflow.ErrCallTimeout, h.Name(), method, o.timeout)
		}
		return callCtx.Err()
	case res = <-resultCh:
	}

	if res.err != nil {
		return classify(res.err, h.Name(), method, o.timeout)
	}

	if reply != nil && len(res.data) > 0 {
		if err := msgpack.Unmarshal(res.data, reply); err != nil {
			return fmt.Errorf("proxy: unmarshal reply: %w", err)
		}
	}
	return nil
}

// classify maps an invoker error onto the caller-facing taxonomy.
func classify(err error, service, method string, timeout time.Duration) error {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s.%s after %s", txflow.ErrCallTimeout, service, method, timeout)
	case errors.Is(err, txflow.ErrCallTimeout),
		errors.Is(err, txflow.ErrUnreachable),
		errors.Is(err, txflow.ErrServiceNotFound):
		return err
	default:
		return fmt.Errorf("%w: %s.%s: %v", txflow.ErrUnreachable, service, method, err)
	}
}

package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/xraph/txflow"
)

// Handle is a lazy reference to a named service. Creating a handle
// never fails; resolution is deferred until first use and the first
// successful resolution is cached for the handle's lifetime.
type Handle struct {
	name     string
	registry *Registry

	mu      sync.Mutex
	invoker Invoker // non-nil once resolved
}

// Name returns the service name this handle refers to.
func (h *Handle) Name() string { return h.name }

// Resolved reports whether the handle holds a cached invoker.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invoker != nil
}

// Resolve binds the handle to the registered invoker. It is idempotent:
// once resolved, subsequent calls return nil without touching the
// registry. A failed resolution caches nothing, so the handle stays
// retryable. Safe for concurrent use.
func (h *Handle) Resolve(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.invoker != nil {
		return nil
	}

	inv, ok := h.registry.lookup(h.name)
	if !ok {
		return fmt.Errorf("%w: %q", txflow.ErrServiceNotFound, h.name)
	}
	h.invoker = inv
	return nil
}

// resolvedInvoker returns the cached invoker, resolving first if needed.
func (h *Handle) resolvedInvoker(ctx context.Context) (Invoker, error) {
	if err := h.Resolve(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invoker, nil
}

package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Invoker executes a method call against a service. Local services and
// remote transports both implement it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []byte) ([]byte, error)
}

// MethodFunc handles one method: raw msgpack args in, raw msgpack
// result out. Return a *RemoteError to report an application failure
// with a code.
type MethodFunc func(ctx context.Context, args []byte) ([]byte, error)

// Service is a named, in-process set of methods.
type Service struct {
	name string

	mu      sync.RWMutex
	methods map[string]MethodFunc
}

var _ Invoker = (*Service)(nil)

// NewService creates an empty service.
func NewService(name string) *Service {
	return &Service{
		name:    name,
		methods: make(map[string]MethodFunc),
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Handle registers a method handler, replacing any existing one.
func (s *Service) Handle(method string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Invoke implements Invoker. Unknown methods return a *RemoteError with
// code "method_not_found".
func (s *Service) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	s.mu.RLock()
	fn, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		return nil, &RemoteError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("service %q has no method %q", s.name, method),
		}
	}
	return fn(ctx, args)
}

// Method wraps a typed handler in msgpack decode/encode. The generic
// wrapper mirrors job.RegisterDefinition: Go does not allow generic
// methods, so this is a package-level function.
func Method[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) MethodFunc {
	return func(ctx context.Context, args []byte) ([]byte, error) {
		var req Req
		if len(args) > 0 {
			if err := msgpack.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("proxy: unmarshal args: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := msgpack.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal result: %w", err)
		}
		return out, nil
	}
}

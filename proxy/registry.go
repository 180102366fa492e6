package proxy

import "sync"

// Registry is the process-wide service arena. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Invoker
	handles  map[string]*Handle
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]Invoker),
		handles:  make(map[string]*Handle),
	}
}

// Register binds a name to an invoker — a local *Service or a remote
// transport invoker. Registering an already-bound name replaces the
// invoker; handles that resolved against the old invoker keep it until
// their own lifetime ends.
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = inv
}

// Handle returns the handle for a service name. It always succeeds:
// the name does not have to be registered yet. Repeated calls for the
// same name return the same handle.
func (r *Registry) Handle(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[name]; ok {
		return h
	}
	h := &Handle{name: name, registry: r}
	r.handles[name] = h
	return h
}

// Names returns all registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// lookup returns the invoker bound to name, if any.
func (r *Registry) lookup(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.services[name]
	return inv, ok
}

package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deskd/deskd/internal/common/logger"
)

// Factory builds transports for one provider.
type Factory struct {
	// Name is the provider name used in configuration and status output.
	Name string

	// Available reports whether the provider can serve on this host
	// (binary installed, credentials present). Nil means always
	// available.
	Available func() bool

	// New creates an unstarted transport for one agent.
	New func(log *logger.Logger) (Transport, error)
}

// Registry maps provider names to factories and performs provider selection.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Factory
	order     []string // registration order doubles as detection priority
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Factory),
	}
}

// Register adds a factory. Earlier registrations win auto-detection.
// Registering a name twice replaces the earlier factory in place.
func (r *Registry) Register(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[f.Name]; !exists {
		r.order = append(r.order, f.Name)
	}
	r.factories[f.Name] = f
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Detect selects a provider. A non-empty preferred name must name a
// registered, available provider; otherwise the first available factory in
// registration order wins.
func (r *Registry) Detect(preferred string) (*Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		f, ok := r.factories[preferred]
		if !ok {
			return nil, fmt.Errorf("provider %q is not registered", preferred)
		}
		if f.Available != nil && !f.Available() {
			return nil, fmt.Errorf("provider %q: %w", preferred, ErrProviderUnavailable)
		}
		return f, nil
	}

	for _, name := range r.order {
		f := r.factories[name]
		if f.Available == nil || f.Available() {
			return f, nil
		}
	}
	return nil, ErrNoProvider
}

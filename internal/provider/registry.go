package provider

import "sync"

// Registry maps provider names to adapters. It is populated once at the
// composition root and read concurrently afterwards. Lookup is by exact,
// case-sensitive name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	order       []string
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds an adapter under its declared name. A later registration
// with the same name wins; the enumeration order keeps the first slot.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &NotFoundError{Name: name, Available: append([]string(nil), r.order...)}
	}
	return p, nil
}

func (r *Registry) Default() (Provider, error) {
	return r.Get(r.defaultName)
}

// All returns the registered adapters in stable registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

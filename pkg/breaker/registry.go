package breaker

import (
	"sort"
	"sync"

	"github.com/arcfabric/controlplane/pkg/metrics"
)

// Registry is the process-wide name-to-breaker map. Registration happens at
// startup; after that the map is read-only except for admin reset.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register creates and stores a breaker under name. Registering the same name
// twice returns the existing breaker unchanged.
func (r *Registry) Register(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker, or nil when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// StatsAll snapshots every breaker, sorted by name for stable output.
func (r *Registry) StatsAll() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll forces every breaker closed and returns the names reset.
func (r *Registry) ResetAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name, b := range r.breakers {
		b.Reset()
		names = append(names, name)
	}
	sort.Strings(names)
	metrics.BreakerResets.Add(float64(len(names)))
	return names
}

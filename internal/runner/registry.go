package runner

import (
	"fmt"
	"sort"
	"sync"
)

// RuntimeAuto asks the registry to pick a runtime using the default table.
const RuntimeAuto = "auto"

// autoRouting maps the auto runtime to a concrete default, preferring the
// first registered name in this order.
var autoRouting = []string{"python", "exec"}

// Info pairs a registered runtime name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered Runtimes and resolves which one executes a given
// artifact.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds a runtime to the registry under the given name.
func (r *Registry) Register(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = rt
}

// Resolve returns the Runtime for the given runtime name. "auto" picks the
// first default from the routing table that is registered. Returns an error
// if nothing is registered under the resolved name.
func (r *Registry) Resolve(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == RuntimeAuto {
		for _, candidate := range autoRouting {
			if rt, ok := r.runtimes[candidate]; ok {
				return rt, nil
			}
		}
		return nil, fmt.Errorf("no auto-routing candidate is registered")
	}

	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", name)
	}
	return rt, nil
}

// List returns information about all registered runtimes, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.runtimes))
	for name, rt := range r.runtimes {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: rt.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

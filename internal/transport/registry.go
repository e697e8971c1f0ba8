package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fleetops/fleetd/internal/model"
)

// Registry routes hosts to adapters by the scheme of their address
// (http://, ssh://, docker://, ...). Hosts speaking different protocols can
// coexist in one fleet.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register registers an adapter for an address scheme
func (r *Registry) Register(scheme string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[scheme] = adapter
}

// ForHost returns the adapter responsible for the host's address
func (r *Registry) ForHost(host model.Host) (Adapter, error) {
	scheme, _, found := strings.Cut(host.Address, "://")
	if !found {
		return nil, fmt.Errorf("host %s has no scheme in address %q", host.ID, host.Address)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[scheme]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for scheme %q", scheme)
	}
	return adapter, nil
}

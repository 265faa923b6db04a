package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gezibash/arc-mesh/internal/observability"
)

// Factory creates a backend from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type backendEntry struct {
	Factory  Factory
	Defaults DefaultsFunc
}

var (
	backends   = make(map[string]backendEntry)
	backendsMu sync.RWMutex
)

// Register makes a backend available to NewBackend. Backends call it from
// init. Panics on a duplicate name.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("discovery backend %q already registered", name))
	}
	backends[name] = backendEntry{Factory: factory, Defaults: defaults}
}

// GetDefaults returns the default configuration for a backend.
func GetDefaults(name string) map[string]string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	entry, ok := backends[name]
	if !ok || entry.Defaults == nil {
		return nil
	}
	return entry.Defaults()
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered reports whether a backend with the given name exists.
func IsRegistered(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// NewBackend creates a backend by name. config is merged over the
// backend's defaults. An unknown name is a configuration error.
func NewBackend(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (Backend, error) {
	op, ctx := observability.StartOperation(ctx, metrics, "discovery.backend.new")
	var err error
	defer func() { op.End(err) }()

	backendsMu.RLock()
	entry, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		err = NewConfigError(name, "", fmt.Sprintf("unknown discovery backend %q (available: %v)", name, ListBackends()))
		return nil, err
	}

	var defaults map[string]string
	if entry.Defaults != nil {
		defaults = entry.Defaults()
	}

	b, err := entry.Factory(ctx, MergeConfig(defaults, config))
	if err != nil {
		err = Field(name, err)
		return nil, err
	}

	slog.DebugContext(ctx, "discovery backend created", "component", "discovery", "backend", name)
	return b, nil
}

package transport

import (
	"fmt"
	"sort"
	"sync"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

// Factory builds an adapter from options.
type Factory func(opts Options) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an adapter type available to New. Adapters call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("transport: adapter registered twice: " + name)
	}
	registry[name] = f
}

// New resolves an adapter by type. An unknown type is a configuration error.
func New(name string, opts Options) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport adapter %q (have %v)", mesherr.ErrConfig, name, Types())
	}
	return f(opts.WithDefaults())
}

// Types lists registered adapter types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

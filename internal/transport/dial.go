package transport

import (
	"sync"

	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DialGuard admits at most one dial per provider at a time. The zero value
// is ready to use.
type DialGuard struct {
	mu      sync.Mutex
	dialing map[*provider.Provider]struct{}
}

// Begin reports whether the caller may dial p. A true result must be
// paired with Done.
func (g *DialGuard) Begin(p *provider.Provider) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.dialing[p]; busy {
		return false
	}
	if g.dialing == nil {
		g.dialing = make(map[*provider.Provider]struct{})
	}
	g.dialing[p] = struct{}{}
	return true
}

// Done releases p for the next dial.
func (g *DialGuard) Done(p *provider.Provider) {
	g.mu.Lock()
	delete(g.dialing, p)
	g.mu.Unlock()
}

// Dialing returns the number of dials in flight.
func (g *DialGuard) Dialing() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.dialing)
}

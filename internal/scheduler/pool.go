// Package scheduler implements the weighted round-robin provider pool that
// RPC clients and channel gateways pick targets from.
package scheduler

import (
	"sync"

	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DefaultWeight is applied to every provider that does not carry one.
// No load signal feeds weights today, so rotation is plain round robin.
const DefaultWeight = 1

// Event identifies a pool mutation.
type Event int

const (
	Added Event = iota
	Removed
)

func (e Event) String() string {
	switch e {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Listener is notified after every add and remove.
type Listener func(ev Event, p *provider.Provider)

type entry struct {
	id     uint64
	weight int
	p      *provider.Provider
}

// Pool holds the providers of one logical service.
type Pool struct {
	name string

	mu        sync.Mutex
	ring      []*entry
	byID      map[uint64]*entry
	cursor    int
	served    int
	nextID    uint64
	listeners map[int]Listener
	nextLis   int
}

// New creates an empty pool for the named service.
func New(name string) *Pool {
	return &Pool{
		name:      name,
		byID:      make(map[uint64]*entry),
		listeners: make(map[int]Listener),
	}
}

// Name returns the service name the pool was created for.
func (p *Pool) Name() string { return p.name }

// Add inserts a provider and assigns its pool id. Add does not deduplicate;
// callers that may race use AddIfAbsent.
func (p *Pool) Add(prov *provider.Provider) {
	p.mu.Lock()
	p.insertLocked(prov)
	p.mu.Unlock()

	p.notify(Added, prov)
}

// AddIfAbsent inserts candidate unless a pooled provider already satisfies
// eq(candidate, existing). The lookup and insert are atomic. It returns the
// pooled provider and whether candidate was the one added.
func (p *Pool) AddIfAbsent(candidate *provider.Provider, eq func(a, b *provider.Provider) bool) (*provider.Provider, bool) {
	p.mu.Lock()
	for _, e := range p.ring {
		if eq(candidate, e.p) {
			p.mu.Unlock()
			return e.p, false
		}
	}
	p.insertLocked(candidate)
	p.mu.Unlock()

	p.notify(Added, candidate)
	return candidate, true
}

func (p *Pool) insertLocked(prov *provider.Provider) {
	w := prov.Weight
	if w <= 0 {
		w = DefaultWeight
	}
	p.nextID++
	e := &entry{id: p.nextID, weight: w, p: prov}
	p.ring = append(p.ring, e)
	p.byID[e.id] = e
	prov.SetPoolID(e.id)
}

// Get returns the next provider in weighted rotation, or nil when the pool is empty.
func (p *Pool) Get() *provider.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ring)
	if n == 0 {
		return nil
	}
	if p.cursor >= n {
		p.cursor = 0
		p.served = 0
	}
	e := p.ring[p.cursor]
	if p.served >= e.weight {
		p.cursor = (p.cursor + 1) % n
		p.served = 0
		e = p.ring[p.cursor]
	}
	p.served++
	return e.p
}

// Remove drops a provider by its pool id. Unknown or unpooled providers are ignored.
func (p *Pool) Remove(prov *provider.Provider) {
	if prov == nil {
		return
	}
	id := prov.PoolID()
	if id == 0 {
		return
	}

	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok || e.p != prov {
		p.mu.Unlock()
		return
	}
	delete(p.byID, id)
	for i, r := range p.ring {
		if r.id != id {
			continue
		}
		p.ring = append(p.ring[:i], p.ring[i+1:]...)
		switch {
		case i < p.cursor:
			p.cursor--
		case i == p.cursor:
			p.served = 0
		}
		break
	}
	if p.cursor >= len(p.ring) {
		p.cursor = 0
		p.served = 0
	}
	prov.SetPoolID(0)
	p.mu.Unlock()

	p.notify(Removed, prov)
}

// HasItem returns the first pooled provider for which eq(candidate, existing) holds.
func (p *Pool) HasItem(candidate *provider.Provider, eq func(a, b *provider.Provider) bool) (*provider.Provider, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.ring {
		if eq(candidate, e.p) {
			return e.p, true
		}
	}
	return nil, false
}

// Each calls fn for a snapshot of the pool. fn may mutate the pool.
func (p *Pool) Each(fn func(*provider.Provider)) {
	for _, prov := range p.Providers() {
		fn(prov)
	}
}

// Providers returns a snapshot in rotation order.
func (p *Pool) Providers() []*provider.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*provider.Provider, len(p.ring))
	for i, e := range p.ring {
		out[i] = e.p
	}
	return out
}

// Len returns the number of pooled providers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ring)
}

// Subscribe registers a listener and returns a function that removes it.
func (p *Pool) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.nextLis
	p.nextLis++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Pool) notify(ev Event, prov *provider.Provider) {
	p.mu.Lock()
	ls := make([]Listener, 0, len(p.listeners))
	for i := 0; i < p.nextLis; i++ {
		if l, ok := p.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	p.mu.Unlock()

	for _, l := range ls {
		l(ev, prov)
	}
}

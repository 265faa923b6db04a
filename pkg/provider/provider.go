// Package provider defines the reachability records exchanged by discovery
// and held by scheduler pools.
package provider

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// Kind selects which endpoint of a provider a pool is interested in.
type Kind int

const (
	KindRPC Kind = iota
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Link is the live connection handle a transport adapter installs on a provider.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Endpoint describes one reachable port of a provider.
type Endpoint struct {
	Type string // transport adapter type
	Port int
}

// Provider is a reachability record for one remote instance of a service.
type Provider struct {
	ID      string
	Name    string
	Version string
	Host    string

	RPC        *Endpoint
	Channel    *Endpoint
	API        map[string]ProcSpec
	Namespaces map[string]NamespaceSpec

	Timeout time.Duration
	Weight  int

	mu       sync.Mutex
	lastSeen time.Time
	poolID   uint64
	link     Link
}

// Endpoint returns the endpoint matching kind, or nil.
func (p *Provider) Endpoint(kind Kind) *Endpoint {
	if kind == KindChannel {
		return p.Channel
	}
	return p.RPC
}

// Addr returns host:port for the endpoint of the given kind.
func (p *Provider) Addr(kind Kind) string {
	ep := p.Endpoint(kind)
	if ep == nil {
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(ep.Port))
}

// LastSeen returns the time of the last announcement for this provider.
func (p *Provider) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Touch records a fresh announcement and adopts its timeout.
func (p *Provider) Touch(now time.Time, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = now
	if timeout > 0 {
		p.Timeout = timeout
	}
}

// TimeoutValue returns the announced timeout.
func (p *Provider) TimeoutValue() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Timeout
}

// Expired reports whether the provider has not been announced within its timeout.
// Providers without a timeout never expire.
func (p *Provider) Expired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Timeout <= 0 || p.lastSeen.IsZero() {
		return false
	}
	return now.Sub(p.lastSeen) > p.Timeout
}

// PoolID returns the id assigned by the owning scheduler pool, zero if not pooled.
func (p *Provider) PoolID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poolID
}

// SetPoolID is called by a scheduler pool on add and remove.
func (p *Provider) SetPoolID(id uint64) {
	p.mu.Lock()
	p.poolID = id
	p.mu.Unlock()
}

// Link returns the live connection handle, if any.
func (p *Provider) Link() Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

// SetLink installs or clears the live connection handle.
func (p *Provider) SetLink(l Link) {
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
}

// SetLinkIfEmpty installs l unless another link is already installed and
// reports whether it did.
func (p *Provider) SetLinkIfEmpty(l Link) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		return false
	}
	p.link = l
	return true
}

// ClearLink removes l if it is still the installed link.
func (p *Provider) ClearLink(l Link) {
	p.mu.Lock()
	if p.link == l {
		p.link = nil
	}
	p.mu.Unlock()
}

// DropLink clears the link and closes it.
func (p *Provider) DropLink() {
	p.mu.Lock()
	l := p.link
	p.link = nil
	p.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

// SameEndpoint reports whether two providers share a host and endpoint port.
// Providers are decoded from the wire on every announcement, so identity is
// the address tuple rather than the pointer.
func SameEndpoint(kind Kind) func(a, b *Provider) bool {
	return func(a, b *Provider) bool {
		if a.Host != b.Host {
			return false
		}
		ea, eb := a.Endpoint(kind), b.Endpoint(kind)
		if ea == nil || eb == nil {
			return ea == eb
		}
		return ea.Port == eb.Port
	}
}

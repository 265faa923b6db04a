// Package lifecycle feeds discovery output into scheduler pools. A Tracker
// holds the interests a process declared, adds or refreshes providers as
// their announcements arrive, and evicts the ones whose announcements stop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gezibash/arc-mesh/internal/cel"
	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

const (
	// MinSweepInterval floors the sweep period.
	MinSweepInterval = 500 * time.Millisecond
	// DefaultSweepInterval is used while no discovery-fed pool has members.
	DefaultSweepInterval = 2 * time.Second
)

type interest struct {
	name   string
	filter *cel.Filter
	pool   *scheduler.Pool
	kind   provider.Kind
}

func (i *interest) matches(a *provider.Announcement) bool {
	if i.filter != nil {
		return i.filter.Match(a)
	}
	return a.Name == i.name
}

func (i *interest) describe() string {
	if i.filter != nil {
		return i.filter.String()
	}
	return i.name
}

// Tracker is a discovery listen callback plus the liveness sweep for the
// pools it feeds.
type Tracker struct {
	mu        sync.RWMutex
	interests []*interest

	metrics *observability.Metrics
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics instruments evictions and pool sizes.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker with no interests.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now: time.Now,
		log: slog.Default().With("component", "lifecycle"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Watch feeds announcements named name into pool, keyed on the endpoint
// of the given kind.
func (t *Tracker) Watch(name string, pool *scheduler.Pool, kind provider.Kind) error {
	if name == "" || pool == nil {
		return fmt.Errorf("%w: watch needs a service name and a pool", mesherr.ErrConfig)
	}
	t.add(&interest{name: name, pool: pool, kind: kind})
	return nil
}

// WatchExpr feeds announcements selected by a CEL expression into pool.
func (t *Tracker) WatchExpr(expr string, pool *scheduler.Pool, kind provider.Kind) error {
	if pool == nil {
		return fmt.Errorf("%w: watch needs a pool", mesherr.ErrConfig)
	}
	f, err := cel.Compile(expr)
	if err != nil {
		return err
	}
	t.add(&interest{filter: f, pool: pool, kind: kind})
	return nil
}

func (t *Tracker) add(i *interest) {
	t.mu.Lock()
	t.interests = append(t.interests, i)
	t.mu.Unlock()
	t.log.Debug("watching", "interest", i.describe(), "pool", i.pool.Name(), "kind", i.kind)
}

// Filter accepts announcements matching at least one interest.
func (t *Tracker) Filter() discovery.Filter {
	return func(a *provider.Announcement) bool {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, i := range t.interests {
			if i.matches(a) {
				return true
			}
		}
		return false
	}
}

// Pools returns every pool fed by the tracker, without duplicates.
func (t *Tracker) Pools() []*scheduler.Pool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[*scheduler.Pool]bool, len(t.interests))
	out := make([]*scheduler.Pool, 0, len(t.interests))
	for _, i := range t.interests {
		if !seen[i.pool] {
			seen[i.pool] = true
			out = append(out, i.pool)
		}
	}
	return out
}

// Handle is a discovery.Callback. Errors are logged. Matching announcements
// refresh the provider already pooled at the same host and port, or add a
// new one.
func (t *Tracker) Handle(err error, ann *provider.Announcement, info discovery.Info) {
	if err != nil {
		if errors.Is(err, discovery.ErrMalformedAnnouncement) {
			t.log.Debug("ignoring announcement", "source", info.Source, "error", err)
		} else {
			t.log.Warn("discovery error", "backend", info.Backend, "error", err)
		}
		return
	}

	t.mu.RLock()
	interests := make([]*interest, 0, len(t.interests))
	for _, i := range t.interests {
		if i.matches(ann) {
			interests = append(interests, i)
		}
	}
	t.mu.RUnlock()

	now := t.now()
	for _, i := range interests {
		candidate := provider.FromAnnouncement(ann, info.SourceHost(), now)
		if candidate.Endpoint(i.kind) == nil {
			continue
		}
		candidate.Weight = scheduler.DefaultWeight
		existing, added := i.pool.AddIfAbsent(candidate, provider.SameEndpoint(i.kind))
		if !added {
			existing.Touch(now, candidate.Timeout)
			continue
		}
		t.metrics.SetPoolSize(i.pool.Name(), i.pool.Len())
		t.log.Info("provider discovered",
			"pool", i.pool.Name(),
			"provider", candidate.ID,
			"addr", candidate.Addr(i.kind),
			"version", candidate.Version,
		)
	}
}

// Sweep evicts every provider whose last announcement is older than its
// timeout from every fed pool, closing its link. It returns the number
// evicted.
func (t *Tracker) Sweep() int {
	now := t.now()
	evicted := 0
	for _, pool := range t.Pools() {
		var stale []*provider.Provider
		pool.Each(func(p *provider.Provider) {
			if p.Expired(now) {
				stale = append(stale, p)
			}
		})
		for _, p := range stale {
			pool.Remove(p)
			p.DropLink()
			evicted++
			t.metrics.Evicted(pool.Name(), "timeout")
			t.log.Info("provider expired",
				"pool", pool.Name(),
				"provider", p.ID,
				"host", p.Host,
				"last_seen", p.LastSeen().Format(time.RFC3339Nano),
			)
		}
		if len(stale) > 0 {
			t.metrics.SetPoolSize(pool.Name(), pool.Len())
		}
	}
	return evicted
}

// Interval is the next sweep period: the smallest provider timeout across
// fed pools, floored at MinSweepInterval, or DefaultSweepInterval when
// every pool is empty.
func (t *Tracker) Interval() time.Duration {
	var shortest time.Duration
	for _, pool := range t.Pools() {
		pool.Each(func(p *provider.Provider) {
			if d := p.TimeoutValue(); d > 0 && (shortest == 0 || d < shortest) {
				shortest = d
			}
		})
	}
	if shortest == 0 {
		return DefaultSweepInterval
	}
	if shortest < MinSweepInterval {
		return MinSweepInterval
	}
	return shortest
}

// Run sweeps until ctx is done, recomputing the interval after each tick.
func (t *Tracker) Run(ctx context.Context) {
	timer := time.NewTimer(t.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.Sweep()
			timer.Reset(t.Interval())
		}
	}
}

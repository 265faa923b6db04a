// Package discovery broadcasts service announcements and listens for the
// announcements of other processes. A Discovery instance owns its announce
// timers and listen subscriptions; the wire is provided by a Backend chosen
// by configuration (multicast, redis, nats, memberlist or in-process memory).
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gezibash/arc-mesh/internal/observability"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// DefaultInterval is the announce retransmission period.
const DefaultInterval = 2 * time.Second

var (
	// ErrMalformedAnnouncement is passed to listen callbacks for payloads
	// that do not decode into a valid announcement.
	ErrMalformedAnnouncement = errors.New("discovery: malformed announcement")

	// ErrBindConflict means the backend could not bind its listen address.
	// A process that cannot listen cannot discover anything; treat it as fatal.
	ErrBindConflict = errors.New("discovery: listen address already in use")
)

// Info describes where a payload came from.
type Info struct {
	Backend    string
	Source     string // sender address when the backend knows it
	ReceivedAt time.Time
}

// SourceHost returns the host part of Source.
func (i Info) SourceHost() string {
	if host, _, err := net.SplitHostPort(i.Source); err == nil {
		return host
	}
	return i.Source
}

// Backend carries opaque payloads between processes. Delivery is
// at-least-once, best-effort and unordered.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers fn until ctx is done. fn must not block.
	Subscribe(ctx context.Context, fn func(payload []byte, info Info)) error
	Close() error
}

// Starter is implemented by backends that bind sockets or dial brokers
// before first use.
type Starter interface {
	Start(ctx context.Context) error
}

// BindError wraps err with ErrBindConflict when it reports an address in use.
func BindError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("%w: %v", ErrBindConflict, err)
	}
	return err
}

// Filter selects announcements for a listener. nil accepts everything.
type Filter func(*provider.Announcement) bool

// Callback receives every decoded announcement, or the error that
// prevented decoding one.
type Callback func(err error, ann *provider.Announcement, info Info)

// Options configures a Discovery instance.
type Options struct {
	Interval time.Duration
	Metrics  *observability.Metrics
}

// Discovery is one announce/listen lifecycle over a backend.
type Discovery struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *slog.Logger
}

// New creates a Discovery instance over b. Nothing is bound until Start.
func New(b Backend, opts Options) *Discovery {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		backend: b,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		log:     slog.Default().With("component", "discovery", "backend", b.Name()),
	}
}

// Backend returns the name of the active backend.
func (d *Discovery) Backend() string { return d.backend.Name() }

// Start binds or dials the backend. It is called implicitly by Announce and
// Listen; an address-in-use failure is returned as ErrBindConflict.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return fmt.Errorf("discovery: %w", mesherr.ErrClosed)
	}
	if d.started {
		return nil
	}
	if s, ok := d.backend.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			d.opts.Metrics.Error("discovery", "start")
			return fmt.Errorf("start %s discovery: %w", d.backend.Name(), BindError(err))
		}
	}
	d.started = true
	d.log.Debug("discovery started")
	return nil
}

// Stop ends every announcer and listener and closes the backend.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return d.backend.Close()
}

// scope returns a context cancelled by either ctx or Stop.
func (d *Discovery) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Announcer retransmits one announcement until its context ends.
type Announcer struct {
	d        *Discovery
	interval time.Duration
	current  atomic.Pointer[provider.Announcement]
	cancel   context.CancelFunc
	done     chan struct{}
}

// Announce publishes ann immediately and then every interval (the instance
// default when zero) until ctx is done, Stop is called, or the Announcer is
// stopped. Each tick serializes the current announcement, so Update takes
// effect on the next tick. There is no leave message.
func (d *Discovery) Announce(ctx context.Context, ann *provider.Announcement, interval time.Duration) (*Announcer, error) {
	if err := ann.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrInvalidInput, err)
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = d.opts.Interval
	}

	ctx, cancel := d.scope(ctx)
	a := &Announcer{d: d, interval: interval, cancel: cancel, done: make(chan struct{})}
	a.current.Store(ann)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(a.done)
		a.run(ctx)
	}()

	d.log.Info("announcing", "name", ann.Name, "id", ann.ID, "interval", interval)
	return a, nil
}

func (a *Announcer) run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publish(ctx)
		}
	}
}

func (a *Announcer) publish(ctx context.Context) {
	ann := a.current.Load()
	data, err := ann.Encode()
	if err != nil {
		a.d.log.Error("encode announcement", "name", ann.Name, "error", err)
		return
	}
	if err := a.d.backend.Publish(ctx, data); err != nil {
		if ctx.Err() == nil {
			a.d.log.Warn("publish announcement failed", "name", ann.Name, "error", err)
			a.d.opts.Metrics.Error("discovery", "publish")
		}
		return
	}
	a.d.opts.Metrics.Announced(a.d.backend.Name(), "out")
}

// Update replaces the announcement sent from the next tick on.
func (a *Announcer) Update(ann *provider.Announcement) error {
	if err := ann.Validate(); err != nil {
		return fmt.Errorf("%w: %v", mesherr.ErrInvalidInput, err)
	}
	a.current.Store(ann)
	return nil
}

// Current returns the announcement being retransmitted.
func (a *Announcer) Current() *provider.Announcement { return a.current.Load() }

// Stop ends retransmission and waits for the loop to exit.
func (a *Announcer) Stop() {
	a.cancel()
	<-a.done
}

// Listen subscribes to the backend until ctx is done or Stop is called.
// Every payload is decoded; malformed ones reach cb as
// ErrMalformedAnnouncement and the listener keeps running. Announcements
// rejected by filter are not reported.
func (d *Discovery) Listen(ctx context.Context, filter Filter, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("%w: listen needs a callback", mesherr.ErrConfig)
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := d.scope(ctx)
	name := d.backend.Name()
	err := d.backend.Subscribe(ctx, func(payload []byte, info Info) {
		if info.Backend == "" {
			info.Backend = name
		}
		if info.ReceivedAt.IsZero() {
			info.ReceivedAt = time.Now()
		}
		d.opts.Metrics.Announced(name, "in")

		ann, err := provider.DecodeAnnouncement(payload)
		if err != nil {
			d.opts.Metrics.Error("discovery", "malformed")
			cb(fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err), nil, info)
			return
		}
		if filter != nil && !filter(ann) {
			return
		}
		cb(nil, ann, info)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s discovery: %w", name, BindError(err))
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// Names returns a filter accepting announcements whose name is in names.
func Names(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(a *provider.Announcement) bool {
		_, ok := set[a.Name]
		return ok
	}
}

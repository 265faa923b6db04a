// Package nats is a broker-backed discovery backend publishing announcements
// on a NATS subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gezibash/arc-mesh/internal/discovery"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

const (
	KeyURL         = "url"
	KeySubject     = "subject"
	KeyName        = "name"
	KeyDialTimeout = "dial_timeout"

	DefaultSubject = "arc.mesh.announce"
)

func init() {
	discovery.Register("nats", NewFactory, Defaults)
}

// Defaults returns the default configuration for the NATS backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyURL:         nats.DefaultURL,
		KeySubject:     DefaultSubject,
		KeyName:        "arc-mesh-discovery",
		KeyDialTimeout: "5s",
	}
}

// NewFactory creates a NATS backend from a configuration map. The
// connection is dialled on Start.
func NewFactory(_ context.Context, config map[string]string) (discovery.Backend, error) {
	timeout, err := discovery.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, discovery.Field("nats", err)
	}
	url := discovery.GetString(config, KeyURL, nats.DefaultURL)
	subject := discovery.GetString(config, KeySubject, DefaultSubject)
	if subject == "" {
		return nil, discovery.NewConfigError("nats", KeySubject, "cannot be empty")
	}
	return &Backend{
		url:     url,
		subject: subject,
		name:    discovery.GetString(config, KeyName, "arc-mesh-discovery"),
		timeout: timeout,
		log:     slog.Default().With("component", "discovery", "backend", "nats", "subject", subject),
	}, nil
}

// Backend publishes announcements on one subject.
type Backend struct {
	url     string
	subject string
	name    string
	timeout time.Duration

	mu     sync.Mutex
	nc     *nats.Conn
	subs   []*nats.Subscription
	closed bool

	log *slog.Logger
}

func (b *Backend) Name() string { return "nats" }

// Start connects to the server.
func (b *Backend) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("nats: %w", mesherr.ErrClosed)
	}
	if b.nc != nil {
		return nil
	}

	nc, err := nats.Connect(b.url,
		nats.Name(b.name),
		nats.Timeout(b.timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", b.url, err)
	}
	b.nc = nc
	b.log.Info("connected", "url", nc.ConnectedUrl())
	return nil
}

func (b *Backend) conn() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil, fmt.Errorf("nats: %w", mesherr.ErrNotConnected)
	}
	return b.nc, nil
}

// Publish sends payload on the subject.
func (b *Backend) Publish(_ context.Context, payload []byte) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	return nc.Publish(b.subject, payload)
}

// Subscribe registers fn until ctx is done.
func (b *Backend) Subscribe(ctx context.Context, fn func([]byte, discovery.Info)) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(b.subject, func(msg *nats.Msg) {
		fn(msg.Data, discovery.Info{Backend: "nats", Source: msg.Subject, ReceivedAt: time.Now()})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	nc, subs := b.nc, b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	return nil
}

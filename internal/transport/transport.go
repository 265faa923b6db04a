// Package transport defines the adapter contract every wire protocol
// implements, and the shared framing and heartbeat machinery adapters use.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

const (
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultGrace         = 3 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultMaxFrameSize  = 16 << 20
)

var (
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrFrameTooLarge    = errors.New("frame exceeds size limit")
	ErrNoEndpoint       = errors.New("provider has no endpoint for this adapter")
)

// ClientHandler receives traffic from outbound links.
// HandleFrame must not block.
type ClientHandler interface {
	HandleFrame(p *provider.Provider, frame []byte)
	ProviderDisconnected(p *provider.Provider)
}

// Peer is the server-side view of one inbound connection.
type Peer interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// ServerHandler receives inbound frames. HandleFrame must not block.
type ServerHandler interface {
	HandleFrame(ctx context.Context, peer Peer, frame []byte)
}

// MetadataPeer is implemented by peers that carry connection-level metadata
// such as the cookie header of a websocket upgrade.
type MetadataPeer interface {
	Metadata() map[string]string
}

// PeerObserver is optionally implemented by a ServerHandler that wants to
// know when inbound peers go away.
type PeerObserver interface {
	PeerClosed(peer Peer)
}

// Server is a bound listening endpoint.
type Server interface {
	Port() int
	Close() error
}

// Adapter is one wire protocol behind the common contract.
type Adapter interface {
	// Type is the stable protocol name carried in announcements.
	Type() string
	// Connect dials p, installs the live link on it, and reports its death
	// exactly once through h.ProviderDisconnected.
	Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h ClientHandler) error
	// StartServer binds host:port (0 picks a free port) and feeds every
	// inbound frame to h.
	StartServer(ctx context.Context, host string, port int, h ServerHandler) (Server, error)
}

// Serializer is optionally implemented by adapters that carry values in a
// form other than JSON.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// Options configures adapters built through the registry.
type Options struct {
	ProbeInterval time.Duration
	Grace         time.Duration
	DialTimeout   time.Duration
	MaxFrameSize  int

	// NATSURL is used by the nats adapter.
	NATSURL string

	// Metrics, when set, instruments adapters that support it.
	Metrics *observability.Metrics
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// JSON is the default serializer.
type JSON struct{}

func (JSON) Serialize(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Deserialize(data []byte, v any) error { return json.Unmarshal(data, v) }

// SerializerFor returns the adapter's own serializer, or JSON.
func SerializerFor(a Adapter) Serializer {
	if s, ok := a.(Serializer); ok {
		return s
	}
	return JSON{}
}

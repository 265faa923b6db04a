// Package nats implements the transport adapter over NATS subjects. A
// server subscribes to a subject derived from its host and port; each client
// link owns a reply inbox that the server publishes back to.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Type is the adapter name carried in announcements.
const Type = "nats"

// SubjectPrefix roots every server subject.
const SubjectPrefix = "arc.mesh.link"

// headerLink names the client inbox on messages that carry no reply
// subject of their own.
const headerLink = "Mesh-Link"

// frameClose tells the other side the link is gone.
const frameClose byte = 0xFF

func init() {
	transport.Register(Type, func(opts transport.Options) (transport.Adapter, error) {
		return New(opts), nil
	})
}

// Adapter dials and serves NATS links.
type Adapter struct {
	opts transport.Options
}

// New creates a NATS adapter. opts.NATSURL defaults to nats.DefaultURL.
func New(opts transport.Options) *Adapter {
	opts = opts.WithDefaults()
	if opts.NATSURL == "" {
		opts.NATSURL = nats.DefaultURL
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) Type() string { return Type }

func (a *Adapter) connect(name string) (*nats.Conn, error) {
	nc, err := nats.Connect(a.opts.NATSURL,
		nats.Name(name),
		nats.Timeout(a.opts.DialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", a.opts.NATSURL, err)
	}
	return nc, nil
}

// Subject is the subject a server bound to host:port listens on.
func Subject(host string, port int) string {
	token := strings.NewReplacer(".", "_", ":", "_", "*", "_", ">", "_").Replace(host)
	return SubjectPrefix + "." + token + "." + strconv.Itoa(port)
}

func withKind(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}

type link struct {
	id      string
	subject string
	inbox   string
	grace   time.Duration

	nc  *nats.Conn
	sub *nats.Subscription
	hb  *transport.Heartbeat
}

func (l *link) Send(_ context.Context, frame []byte) error {
	msg := nats.NewMsg(l.subject)
	msg.Reply = l.inbox
	msg.Data = withKind(transport.FrameData, frame)
	return l.nc.PublishMsg(msg)
}

func (l *link) Close() error {
	l.hb.Fail(mesherr.ErrClosed)
	return nil
}

func (l *link) ping() error {
	msg := nats.NewMsg(l.subject)
	msg.Header.Set(headerLink, l.inbox)
	msg.Data = []byte{transport.FramePing}
	if _, err := l.nc.RequestMsg(msg, l.grace); err != nil {
		return err
	}
	l.hb.Seen()
	return nil
}

func (l *link) shutdown() {
	msg := nats.NewMsg(l.subject)
	msg.Reply = l.inbox
	msg.Data = []byte{frameClose}
	_ = l.nc.PublishMsg(msg)
	_ = l.sub.Unsubscribe()
	l.nc.Close()
}

// Connect checks that something serves the provider's subject, then opens
// a link bound to a fresh inbox.
func (a *Adapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	ep := p.Endpoint(kind)
	if ep == nil {
		return transport.ErrNoEndpoint
	}

	nc, err := a.connect("arc-mesh-client")
	if err != nil {
		return err
	}

	l := &link{
		id:      p.ID,
		subject: Subject(p.Host, ep.Port),
		inbox:   nats.NewInbox(),
		grace:   a.opts.Grace,
		nc:      nc,
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()
	probe := nats.NewMsg(l.subject)
	probe.Header.Set(headerLink, l.inbox)
	probe.Data = []byte{transport.FramePing}
	if _, err := nc.RequestMsgWithContext(dialCtx, probe); err != nil {
		nc.Close()
		return fmt.Errorf("reach %s: %w", l.subject, err)
	}

	l.hb = transport.StartHeartbeat(a.opts.ProbeInterval, a.opts.Grace, l.ping, func(error) {
		l.shutdown()
		p.ClearLink(l)
		h.ProviderDisconnected(p)
	})

	l.sub, err = nc.Subscribe(l.inbox, func(m *nats.Msg) {
		if len(m.Data) == 0 {
			return
		}
		l.hb.Seen()
		switch m.Data[0] {
		case transport.FrameData:
			h.HandleFrame(p, m.Data[1:])
		case frameClose:
			l.hb.Fail(mesherr.ErrClosed)
		}
	})
	if err != nil {
		l.hb.Stop()
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", l.inbox, err)
	}

	if !p.SetLinkIfEmpty(l) {
		l.hb.Abandon()
		l.shutdown()
	}
	return nil
}

// peer is the server-side end of one client inbox.
type peer struct {
	inbox string
	nc    *nats.Conn
	hb    *transport.Heartbeat
}

func (p *peer) ID() string { return p.inbox }

func (p *peer) Send(_ context.Context, frame []byte) error {
	return p.nc.Publish(p.inbox, withKind(transport.FrameData, frame))
}

func (p *peer) Close() error {
	_ = p.nc.Publish(p.inbox, []byte{frameClose})
	p.hb.Fail(mesherr.ErrClosed)
	return nil
}

type server struct {
	ctx     context.Context
	opts    transport.Options
	handler transport.ServerHandler
	port    int

	nc     *nats.Conn
	sub    *nats.Subscription
	closed atomic.Bool

	mu    sync.Mutex
	peers map[string]*peer
}

// StartServer subscribes to the subject for host:port. A zero port picks a
// random one. A subject that already answers is reported as a bind conflict.
func (a *Adapter) StartServer(ctx context.Context, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	if port == 0 {
		port = 20000 + rand.IntN(40000)
	}
	subject := Subject(host, port)

	nc, err := a.connect("arc-mesh-server")
	if err != nil {
		return nil, err
	}

	probe := nats.NewMsg(subject)
	probe.Data = []byte{transport.FramePing}
	probe.Header.Set(headerLink, nats.NewInbox())
	if _, err := nc.RequestMsg(probe, 200*time.Millisecond); err == nil {
		nc.Close()
		return nil, fmt.Errorf("subject %s: %w", subject, mesherr.ErrAlreadyExists)
	} else if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, nats.ErrTimeout) {
		nc.Close()
		return nil, fmt.Errorf("probe %s: %w", subject, err)
	}

	s := &server{
		ctx:     ctx,
		opts:    a.opts,
		handler: h,
		port:    port,
		nc:      nc,
		peers:   make(map[string]*peer),
	}
	s.sub, err = nc.Subscribe(subject, s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	context.AfterFunc(ctx, func() { _ = s.Close() })

	slog.Info("nats transport listening", "component", "transport", "subject", subject)
	return s, nil
}

func (s *server) Port() int { return s.port }

func (s *server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	_ = s.sub.Unsubscribe()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
	}

	if err := s.nc.Flush(); err != nil {
		slog.Debug("nats flush on close", "component", "transport", "error", err)
	}
	s.nc.Close()
	return nil
}

func (s *server) handle(m *nats.Msg) {
	if len(m.Data) == 0 || s.closed.Load() {
		return
	}

	switch m.Data[0] {
	case transport.FramePing:
		if inbox := m.Header.Get(headerLink); inbox != "" {
			if p := s.lookup(inbox); p != nil {
				p.hb.Seen()
			}
		}
		_ = m.Respond([]byte{transport.FramePong})
	case transport.FrameData:
		if m.Reply == "" {
			return
		}
		p := s.peer(m.Reply)
		p.hb.Seen()
		s.handler.HandleFrame(s.ctx, p, m.Data[1:])
	case frameClose:
		if p := s.lookup(m.Reply); p != nil {
			p.hb.Fail(mesherr.ErrClosed)
		}
	}
}

func (s *server) lookup(inbox string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[inbox]
}

func (s *server) peer(inbox string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[inbox]; ok {
		return p
	}

	p := &peer{inbox: inbox, nc: s.nc}
	p.hb = transport.StartHeartbeat(s.opts.ProbeInterval, s.opts.Grace, nil, func(error) {
		s.mu.Lock()
		delete(s.peers, inbox)
		s.mu.Unlock()
		if po, ok := s.handler.(transport.PeerObserver); ok {
			po.PeerClosed(p)
		}
	})
	s.peers[inbox] = p
	return p
}

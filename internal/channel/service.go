package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// ServiceConfig configures a channel-owning process.
type ServiceConfig struct {
	Namespaces []*Namespace
	// Methods are request handlers available in every namespace. A
	// namespace event of the same name wins.
	Methods map[string]Handler

	// Public serves untrusted clients, typically the websocket adapter.
	Public transport.Adapter
	// Backend serves trusted gateway links.
	Backend transport.Adapter

	SendQueue    int
	Inbox        int
	ReapInterval time.Duration
	StallTimeout time.Duration
	IdleTimeout  time.Duration

	Metrics *observability.Metrics
}

// Service hosts namespaces. Untrusted clients go through the handshake on
// the public endpoint; gateways on the backend endpoint address members by
// namespace, channel and sid and carry the session in each message.
type Service struct {
	cfg     ServiceConfig
	spaces  map[string]*Namespace
	methods map[string]Handler
	subs    *subscriptions

	clients  *pipeline
	gateways *Table

	mu       sync.Mutex
	servers  []transport.Server
	cancel   context.CancelFunc
	started  bool
	closed   bool
	metrics  *observability.Metrics
	log      *slog.Logger
	wg       sync.WaitGroup
	backendH *backendHandler
}

// NewService validates the namespaces and methods. No socket is opened;
// reserved names and missing hooks fail here.
func NewService(cfg ServiceConfig) (*Service, error) {
	spaces, err := validate(cfg.Namespaces, cfg.Methods)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		spaces:   spaces,
		methods:  cfg.Methods,
		subs:     newSubscriptions(),
		gateways: NewTable(),
		metrics:  cfg.Metrics,
		log:      slog.Default().With("component", "channel", "role", "service"),
	}
	s.clients = newPipeline("service", spaces, s, cfg.SendQueue, cfg.Inbox, cfg.Metrics)
	s.backendH = &backendHandler{s: s}
	return s, nil
}

// Start runs the reapers until Close or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mesherr.ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	clientReaper := NewReaper(s.clients.table, s.cfg.ReapInterval, s.cfg.StallTimeout, s.cfg.IdleTimeout, s.clients.disconnect)
	gatewayReaper := NewReaper(s.gateways, s.cfg.ReapInterval, s.cfg.StallTimeout, s.cfg.IdleTimeout, s.dropGateway)
	s.wg.Add(2)
	go func() { defer s.wg.Done(); clientReaper.Run(ctx) }()
	go func() { defer s.wg.Done(); gatewayReaper.Run(ctx) }()
	return nil
}

// ListenPublic binds the untrusted client endpoint.
func (s *Service) ListenPublic(ctx context.Context, host string, port int) (transport.Server, error) {
	if s.cfg.Public == nil {
		return nil, fmt.Errorf("%w: channel service has no public adapter", mesherr.ErrConfig)
	}
	return s.listen(ctx, s.cfg.Public, host, port, s.clients)
}

// ListenBackend binds the trusted gateway endpoint.
func (s *Service) ListenBackend(ctx context.Context, host string, port int) (transport.Server, error) {
	if s.cfg.Backend == nil {
		return nil, fmt.Errorf("%w: channel service has no backend adapter", mesherr.ErrConfig)
	}
	return s.listen(ctx, s.cfg.Backend, host, port, s.backendH)
}

func (s *Service) listen(ctx context.Context, a transport.Adapter, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, mesherr.ErrClosed
	}
	srv, err := a.StartServer(ctx, host, port, h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	s.log.Info("channel endpoint listening", "adapter", a.Type(), "port", srv.Port())
	return srv, nil
}

// Descriptor is the channel section of an announcement for a backend
// endpoint bound to port.
func (s *Service) Descriptor(port int) *provider.ChannelDescriptor {
	d := &provider.ChannelDescriptor{Endpoint: port, Namespaces: make(map[string]provider.NamespaceSpec, len(s.spaces))}
	if s.cfg.Backend != nil {
		d.Type = s.cfg.Backend.Type()
	}
	for name, ns := range s.spaces {
		events := make(map[string]struct{}, len(ns.Events)+len(s.methods))
		for e := range ns.Events {
			events[e] = struct{}{}
		}
		for e := range s.methods {
			events[e] = struct{}{}
		}
		d.Namespaces[name] = provider.NamespaceSpec{RepEvents: sortedKeys(events)}
	}
	return d
}

// Namespace returns a hosted namespace.
func (s *Service) Namespace(name string) (*Namespace, bool) {
	ns, ok := s.spaces[name]
	return ns, ok
}

// Members returns the number of channel memberships, local and bridged.
func (s *Service) Members() int { return s.subs.count() }

// Clients returns the number of direct client connections.
func (s *Service) Clients() int { return s.clients.table.Count() }

// Close stops reapers, closes endpoints and drops every connection.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	servers := s.servers
	s.servers = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var firstErr error
	for _, srv := range servers {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.clients.Close()
	for _, c := range s.gateways.All() {
		s.dropGateway(c, "shutdown")
	}
	s.wg.Wait()
	return firstErr
}

func (s *Service) handler(ns *Namespace, event string) Handler {
	if h := ns.Events[event]; h != nil {
		return h
	}
	return s.methods[event]
}

func (s *Service) handles(ns *Namespace, event string) bool {
	return s.handler(ns, event) != nil
}

func (s *Service) joined(c *Conn, ns *Namespace, chn string, m *membership) {
	s.subs.add(ns.Name, chn, &route{conn: c, sid: c.ID(), session: m.session, sub: m.sub})
}

func (s *Service) left(c *Conn, ns *Namespace, chn string, _ *membership, _ string) {
	s.subs.remove(ns.Name, chn, c.ID())
}

func (s *Service) request(ctx context.Context, c *Conn, ns *Namespace, chn string, m *membership, msg *Message) {
	s.dispatch(ctx, c, ns, chn, m.session, c.ID(), msg)
}

// dispatch runs the event handler on its own goroutine. Replies go back
// over c, echoing the request id and sid.
func (s *Service) dispatch(ctx context.Context, c *Conn, ns *Namespace, chn string, sess *Session, sid string, msg *Message) {
	h := s.handler(ns, msg.Event)
	if h == nil {
		s.metrics.ChannelMessage("service", "not_found")
		return
	}
	req := &Request{
		Session: sess,
		NS:      ns.Name,
		Channel: chn,
		Event:   msg.Event,
		Args:    msg.Payload,
		SID:     sid,
	}
	if msg.ID != 0 {
		req.reply = onceReply(func(args ...any) error {
			payload, err := encodePayload(args)
			if err != nil {
				return err
			}
			reply := &Message{Type: TypeReply, Event: msg.Event, NS: ns.Name, Chn: chn, ID: msg.ID, SID: msg.SID, Payload: payload}
			if !c.send(reply) {
				return mesherr.ErrBufferFull
			}
			return nil
		})
	}
	go s.run(ctx, ns, h, req)
}

func (s *Service) run(ctx context.Context, ns *Namespace, h Handler, req *Request) {
	ctx, span := observability.StartSpan(ctx, "channel.request",
		attribute.String("channel.ns", req.NS),
		attribute.String("channel.event", req.Event),
	)
	defer func() {
		var err error
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s %s panic: %v", req.NS, req.Event, r)
			s.metrics.Error("channel", "handler")
			reportError(s.log, ns, err)
		}
		observability.EndSpan(span, err)
	}()
	h(ctx, s, req)
}

// Pub implements Publisher.
func (s *Service) Pub(ns, event string, args ...any) error {
	if _, ok := s.spaces[ns]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	payload, err := encodePayload(args)
	if err != nil {
		return err
	}
	for chn, routes := range s.subs.namespace(ns) {
		if _, err := deliver(ns, chn, event, payload, routes); err != nil {
			return err
		}
	}
	return nil
}

// PubChn implements Publisher.
func (s *Service) PubChn(ns, chn, event string, args ...any) error {
	if _, ok := s.spaces[ns]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	payload, err := encodePayload(args)
	if err != nil {
		return err
	}
	_, err = deliver(ns, chn, event, payload, s.subs.channel(ns, chn))
	return err
}

// PubSid implements Publisher. Events outside the member's subscription
// list are not sent.
func (s *Service) PubSid(ns, chn, sid, event string, args ...any) error {
	r := s.subs.get(ns, chn, sid)
	if r == nil {
		return fmt.Errorf("%w: %s %s %s", ErrNotSubscribed, ns, chn, sid)
	}
	if !has(r.sub, event) {
		return nil
	}
	payload, err := encodePayload(args)
	if err != nil {
		return err
	}
	msg := &Message{Type: TypePub, Event: event, NS: ns, Chn: chn, Payload: payload}
	if r.conn.Trusted() {
		msg.SID = sid
	}
	if !r.conn.send(msg) {
		return mesherr.ErrBufferFull
	}
	return nil
}

// backendHandler serves trusted gateway links.
type backendHandler struct{ s *Service }

// HandleFrame implements transport.ServerHandler.
func (h *backendHandler) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	c := h.s.attachGateway(peer)
	c.TouchRecv()
	if !c.post(func() { h.s.handleTrusted(ctx, c, frame) }, false) && !c.IsClosed() {
		h.s.log.Warn("gateway inbox full, dropping frame", "conn", c.ID())
		h.s.metrics.ChannelMessage("backend", "dropped")
	}
}

// PeerClosed implements transport.PeerObserver.
func (h *backendHandler) PeerClosed(peer transport.Peer) {
	if c, ok := h.s.gateways.Get(peer.ID()); ok {
		h.s.dropGateway(c, "disconnect")
	}
}

func (s *Service) attachGateway(peer transport.Peer) *Conn {
	if c, ok := s.gateways.Get(peer.ID()); ok {
		return c
	}
	c, added := s.gateways.Add(newConn(peer, true, s.cfg.SendQueue, s.cfg.Inbox, s.metrics))
	if !added {
		return c
	}
	s.metrics.ChannelConn("backend", 1)
	s.log.Info("gateway connected", "conn", c.ID())
	go c.process()
	go func() {
		if err := c.drain(); err != nil {
			s.log.Debug("gateway write failed", "conn", c.ID(), "error", err)
			s.dropGateway(c, "write")
		}
	}()
	return c
}

// dropGateway removes every member bridged through c, then closes it.
func (s *Service) dropGateway(c *Conn, reason string) {
	c.post(func() {
		if !s.gateways.Remove(c.ID()) {
			return
		}
		for _, rr := range s.subs.removeConn(c) {
			if ns := s.spaces[rr.ns]; ns != nil {
				s.clients.guard(ns, "left", func() { ns.left(rr.r.session, rr.chn, reason) })
			}
		}
		c.Close()
		_ = c.peer.Close()
		s.metrics.ChannelConn("backend", -1)
		s.log.Info("gateway disconnected", "conn", c.ID(), "reason", reason)
	}, true)
}

// handleTrusted applies one gateway message. The gateway already ran the
// handshake, so JOIN and LVE only maintain routes and requests go straight
// to their handler.
func (s *Service) handleTrusted(ctx context.Context, c *Conn, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		s.log.Debug("dropping malformed gateway message", "conn", c.ID(), "error", err)
		s.metrics.ChannelMessage("backend", "malformed")
		return
	}
	s.metrics.ChannelMessage("backend", string(msg.Type))

	ns := s.spaces[msg.NS]
	if ns == nil || msg.SID == "" || msg.Chn == "" {
		s.log.Debug("dropping unroutable gateway message", "conn", c.ID(), "ns", msg.NS, "chn", msg.Chn, "sid", msg.SID)
		return
	}

	switch msg.Type {
	case TypeInfo:
		switch msg.Event {
		case EventJoin:
			var rep, sub []string
			if msg.Meta != nil {
				rep, sub = msg.Meta.RepEvents, msg.Meta.SubEvents
			}
			m := newMembership(msg.Session, rep, sub)
			s.subs.add(ns.Name, msg.Chn, &route{conn: c, sid: msg.SID, session: m.session, sub: m.sub})
		case EventLeave:
			reason := "leave"
			if msg.Meta != nil && msg.Meta.Reason != "" {
				reason = msg.Meta.Reason
			}
			if r := s.subs.remove(ns.Name, msg.Chn, msg.SID); r != nil {
				s.clients.guard(ns, "left", func() { ns.left(r.session, msg.Chn, reason) })
			}
		}
	case TypeRequest:
		s.dispatch(ctx, c, ns, msg.Chn, msg.Session, msg.SID, msg)
	}
}

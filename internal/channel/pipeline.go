package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
)

// upstream is what a handshake pipeline hands admitted traffic to. Every
// method runs on the connection's goroutine.
type upstream interface {
	handles(ns *Namespace, event string) bool
	joined(c *Conn, ns *Namespace, chn string, m *membership)
	left(c *Conn, ns *Namespace, chn string, m *membership, reason string)
	request(ctx context.Context, c *Conn, ns *Namespace, chn string, m *membership, msg *Message)
}

// pipeline runs the auth, join and allow handshake for untrusted peers. It
// is the transport.ServerHandler of client endpoints.
type pipeline struct {
	role    string
	spaces  map[string]*Namespace
	table   *Table
	up      upstream
	queue   int
	inbox   int
	metrics *observability.Metrics
	log     *slog.Logger
}

func newPipeline(role string, spaces map[string]*Namespace, up upstream, queue, inbox int, m *observability.Metrics) *pipeline {
	return &pipeline{
		role:    role,
		spaces:  spaces,
		table:   NewTable(),
		up:      up,
		queue:   queue,
		inbox:   inbox,
		metrics: m,
		log:     slog.Default().With("component", "channel", "role", role),
	}
}

// HandleFrame implements transport.ServerHandler.
func (p *pipeline) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	c := p.attach(peer)
	c.TouchRecv()
	if !c.post(func() { p.handle(ctx, c, frame) }, false) && !c.IsClosed() {
		p.log.Warn("inbox full, dropping frame", "conn", c.ID())
		p.metrics.ChannelMessage(p.role, "dropped")
	}
}

// PeerClosed implements transport.PeerObserver.
func (p *pipeline) PeerClosed(peer transport.Peer) {
	if c, ok := p.table.Get(peer.ID()); ok {
		p.disconnect(c, "disconnect")
	}
}

func (p *pipeline) attach(peer transport.Peer) *Conn {
	if c, ok := p.table.Get(peer.ID()); ok {
		return c
	}
	c, added := p.table.Add(newConn(peer, false, p.queue, p.inbox, p.metrics))
	if !added {
		return c
	}
	p.metrics.ChannelConn(p.role, 1)
	p.log.Debug("connection opened", "conn", c.ID())
	go c.process()
	go func() {
		if err := c.drain(); err != nil {
			p.log.Debug("write failed", "conn", c.ID(), "error", err)
			p.disconnect(c, "write")
		}
	}()
	return c
}

// disconnect leaves every joined channel, then closes the connection.
func (p *pipeline) disconnect(c *Conn, reason string) {
	c.post(func() { p.teardown(c, reason) }, true)
}

func (p *pipeline) teardown(c *Conn, reason string) {
	if !p.table.Remove(c.ID()) {
		return
	}
	for name, st := range c.auth {
		ns := p.spaces[name]
		for chn, m := range st.joined {
			p.up.left(c, ns, chn, m, reason)
			p.guard(ns, "left", func() { ns.left(m.session, chn, reason) })
		}
	}
	c.Close()
	_ = c.peer.Close()
	p.metrics.ChannelConn(p.role, -1)
	p.log.Debug("connection closed", "conn", c.ID(), "reason", reason)
}

// Close tears down every connection.
func (p *pipeline) Close() {
	for _, c := range p.table.All() {
		p.disconnect(c, "shutdown")
	}
}

func (p *pipeline) handle(ctx context.Context, c *Conn, frame []byte) {
	msg, err := DecodeMessage(frame)
	if err != nil {
		p.log.Debug("dropping malformed message", "conn", c.ID(), "error", err)
		p.metrics.ChannelMessage(p.role, "malformed")
		return
	}
	p.metrics.ChannelMessage(p.role, string(msg.Type))

	ns := p.spaces[msg.NS]
	if ns == nil {
		c.send(&Message{Type: TypeInfo, Event: EventErr, NS: msg.NS, Meta: &Meta{Error: "unknown namespace"}})
		return
	}

	switch msg.Type {
	case TypeInfo:
		switch msg.Event {
		case EventAuth:
			p.auth(ctx, c, ns, msg)
		case EventJoin:
			p.join(ctx, c, ns, msg.Chn)
		case EventLeave:
			p.leave(c, ns, msg.Chn, "leave")
		}
	case TypeRequest:
		p.request(ctx, c, ns, msg)
	default:
		p.log.Debug("unexpected message from client", "conn", c.ID(), "type", msg.Type)
	}
}

func (p *pipeline) auth(ctx context.Context, c *Conn, ns *Namespace, msg *Message) {
	meta := Meta{ConnID: c.ID(), Cookie: c.Cookie()}
	if msg.Meta != nil {
		meta.Session = msg.Meta.Session
		if meta.Cookie == "" {
			meta.Cookie = msg.Meta.Cookie
		}
	}

	var once sync.Once
	p.guard(ns, "auth", func() {
		ns.Auth(ctx, meta, func(sess *Session, blob string) {
			if sess == nil {
				return
			}
			once.Do(func() {
				c.post(func() { p.authenticated(c, ns, sess, blob) }, true)
			})
		})
	})
}

func (p *pipeline) authenticated(c *Conn, ns *Namespace, sess *Session, blob string) {
	st := c.auth[ns.Name]
	if st == nil {
		st = &authState{joined: make(map[string]*membership)}
		c.auth[ns.Name] = st
	}
	st.session, st.blob = sess, blob
	c.send(&Message{Type: TypeInfo, Event: EventAck, NS: ns.Name, Meta: &Meta{ConnID: c.ID(), Session: blob}})
	p.log.Debug("authenticated", "conn", c.ID(), "ns", ns.Name, "session", sess.ID)
}

func (p *pipeline) join(ctx context.Context, c *Conn, ns *Namespace, chn string) {
	st := c.auth[ns.Name]
	if st == nil || chn == "" {
		p.log.Debug("join ignored", "conn", c.ID(), "ns", ns.Name, "chn", chn, "authenticated", st != nil)
		p.metrics.ChannelMessage(p.role, "unauthenticated")
		return
	}
	if m := st.joined[chn]; m != nil {
		c.send(joinAck(c, ns.Name, chn, m))
		return
	}

	sess := st.session
	var once sync.Once
	p.guard(ns, "join", func() {
		ns.Join(ctx, sess, chn, func(rep, sub []string) {
			once.Do(func() {
				c.post(func() { p.joined(c, ns, chn, sess, rep, sub) }, true)
			})
		})
	})
}

func (p *pipeline) joined(c *Conn, ns *Namespace, chn string, sess *Session, rep, sub []string) {
	st := c.auth[ns.Name]
	if st == nil || st.joined[chn] != nil {
		return
	}
	m := newMembership(sess, rep, sub)
	st.joined[chn] = m
	p.up.joined(c, ns, chn, m)
	c.send(joinAck(c, ns.Name, chn, m))
	p.log.Debug("joined", "conn", c.ID(), "ns", ns.Name, "chn", chn)
}

func joinAck(c *Conn, ns, chn string, m *membership) *Message {
	return &Message{
		Type:  TypeInfo,
		Event: EventAck,
		NS:    ns,
		Chn:   chn,
		Meta:  &Meta{ConnID: c.ID(), RepEvents: sortedKeys(m.rep), SubEvents: sortedKeys(m.sub)},
	}
}

func (p *pipeline) leave(c *Conn, ns *Namespace, chn, reason string) {
	st := c.auth[ns.Name]
	if st == nil {
		return
	}
	m := st.joined[chn]
	if m == nil {
		return
	}
	delete(st.joined, chn)
	p.up.left(c, ns, chn, m, reason)
	p.guard(ns, "left", func() { ns.left(m.session, chn, reason) })
	c.send(&Message{Type: TypeInfo, Event: EventLeave, NS: ns.Name, Chn: chn, Meta: &Meta{Reason: reason}})
}

func (p *pipeline) request(ctx context.Context, c *Conn, ns *Namespace, msg *Message) {
	m := c.membership(ns.Name, msg.Chn)
	if m == nil {
		p.log.Debug("request before join", "conn", c.ID(), "ns", ns.Name, "chn", msg.Chn, "event", msg.Event)
		p.metrics.ChannelMessage(p.role, "not_joined")
		return
	}
	if !has(m.rep, msg.Event) || !p.up.handles(ns, msg.Event) {
		p.log.Debug("event not permitted", "conn", c.ID(), "ns", ns.Name, "event", msg.Event)
		p.metrics.ChannelMessage(p.role, "not_permitted")
		return
	}
	if ns.Allow == nil {
		p.up.request(ctx, c, ns, msg.Chn, m, msg)
		return
	}

	var once sync.Once
	p.guard(ns, "allow", func() {
		ns.Allow(ctx, m.session, msg.Chn, msg.Event, func() {
			once.Do(func() {
				c.post(func() {
					if c.membership(ns.Name, msg.Chn) != m {
						return
					}
					p.up.request(ctx, c, ns, msg.Chn, m, msg)
				}, true)
			})
		})
	})
}

// guard runs a hook and routes a panic to the namespace's error hook.
func (p *pipeline) guard(ns *Namespace, stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(ns, fmt.Errorf("%s hook panic: %v", stage, r))
		}
	}()
	fn()
}

func (p *pipeline) fail(ns *Namespace, err error) {
	p.metrics.Error("channel", "hook")
	reportError(p.log, ns, err)
}

func reportError(log *slog.Logger, ns *Namespace, err error) {
	if ns != nil && ns.Error != nil {
		ns.Error(err)
		return
	}
	var name string
	if ns != nil {
		name = ns.Name
	}
	log.Error("namespace error", "ns", name, "error", err)
}

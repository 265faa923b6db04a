package transport

import (
	"context"
	"io"
	"sync"
	"time"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn is a framed, heartbeated link over a byte stream. It serves as
// the client Link and as the server Peer for stream adapters (tcp, quic).
type streamConn struct {
	id       string
	rwc      io.ReadWriteCloser
	maxFrame int
	grace    time.Duration

	wmu sync.Mutex
	hb  *Heartbeat
}

func newStreamConn(id string, rwc io.ReadWriteCloser, opts Options) *streamConn {
	return &streamConn{id: id, rwc: rwc, maxFrame: opts.MaxFrameSize, grace: opts.Grace}
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	return c.write(ctx, FrameData, frame)
}

func (c *streamConn) Close() error {
	err := c.rwc.Close()
	c.hb.Fail(mesherr.ErrClosed)
	return err
}

func (c *streamConn) write(ctx context.Context, kind byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			deadline = time.Now().Add(c.grace)
		}
		_ = wd.SetWriteDeadline(deadline)
	}
	return WriteFrame(c.rwc, kind, payload)
}

func (c *streamConn) readLoop(onData func([]byte)) {
	for {
		kind, payload, err := ReadFrame(c.rwc, c.maxFrame)
		if err != nil {
			c.hb.Fail(err)
			return
		}
		c.hb.Seen()

		switch kind {
		case FrameData:
			onData(payload)
		case FramePing:
			if err := c.write(context.Background(), FramePong, nil); err != nil {
				c.hb.Fail(err)
				return
			}
		case FramePong:
		}
	}
}

// DialStream wraps an established client stream into a provider link:
// it installs the link on p, pings every probe interval and reports the
// link's death to h exactly once. When p already carries a link the new
// stream is closed and the installed link is returned.
func DialStream(rwc io.ReadWriteCloser, p *provider.Provider, h ClientHandler, opts Options) provider.Link {
	opts = opts.WithDefaults()
	c := newStreamConn(p.ID, rwc, opts)
	c.hb = StartHeartbeat(opts.ProbeInterval, opts.Grace,
		func() error { return c.write(context.Background(), FramePing, nil) },
		func(error) {
			_ = rwc.Close()
			p.ClearLink(c)
			h.ProviderDisconnected(p)
		},
	)
	if !p.SetLinkIfEmpty(c) {
		c.hb.Abandon()
		_ = rwc.Close()
		return p.Link()
	}
	go c.readLoop(func(frame []byte) { h.HandleFrame(p, frame) })
	return c
}

// ServeStream runs the server side of an accepted stream until it dies.
// It blocks; callers run it on the accepting goroutine's child.
func ServeStream(ctx context.Context, id string, rwc io.ReadWriteCloser, h ServerHandler, opts Options) {
	opts = opts.WithDefaults()
	c := newStreamConn(id, rwc, opts)
	c.hb = StartHeartbeat(opts.ProbeInterval, opts.Grace, nil, func(error) {
		_ = rwc.Close()
		if po, ok := h.(PeerObserver); ok {
			po.PeerClosed(c)
		}
	})

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.readLoop(func(frame []byte) { h.HandleFrame(ctx, c, frame) })
}

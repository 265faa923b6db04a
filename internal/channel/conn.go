package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-mesh/internal/observability"
	"github.com/gezibash/arc-mesh/internal/transport"
)

const (
	DefaultSendQueue = 100
	DefaultInbox     = 256
	SendTimeout      = 5 * time.Second
)

// membership is one joined channel. It is immutable once created.
type membership struct {
	session *Session
	rep     map[string]struct{}
	sub     map[string]struct{}
}

func newMembership(sess *Session, rep, sub []string) *membership {
	return &membership{session: sess, rep: set(rep), sub: set(sub)}
}

// authState is the handshake progress of one namespace on one connection.
type authState struct {
	session *Session
	blob    string
	joined  map[string]*membership
}

// Conn is one connected peer: a client behind the handshake, or a trusted
// gateway link. Inbound work for a Conn runs on a single goroutine in
// arrival order; outbound frames go through a bounded queue that never
// blocks the caller.
type Conn struct {
	id          string
	peer        transport.Peer
	meta        map[string]string
	trusted     bool
	connectedAt int64
	lastSend    atomic.Int64
	lastRecv    atomic.Int64
	metrics     *observability.Metrics

	out      chan []byte
	outMu    sync.RWMutex
	closed   atomic.Bool
	closeOne sync.Once
	done     chan struct{}

	mu      sync.Mutex
	work    []func()
	wake    chan struct{}
	inboxSz int

	// owned by the work goroutine
	auth map[string]*authState
}

func newConn(peer transport.Peer, trusted bool, queue, inbox int, m *observability.Metrics) *Conn {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	if inbox <= 0 {
		inbox = DefaultInbox
	}
	now := time.Now().UnixNano()
	c := &Conn{
		id:          peer.ID(),
		peer:        peer,
		trusted:     trusted,
		connectedAt: now,
		metrics:     m,
		out:         make(chan []byte, queue),
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		inboxSz:     inbox,
		auth:        make(map[string]*authState),
	}
	if mp, ok := peer.(transport.MetadataPeer); ok {
		c.meta = mp.Metadata()
	}
	c.lastSend.Store(now)
	c.lastRecv.Store(now)
	return c
}

// ID is the connection id, used as the sid of its memberships.
func (c *Conn) ID() string { return c.id }

// Trusted reports whether the connection bypasses the handshake.
func (c *Conn) Trusted() bool { return c.trusted }

// Cookie returns the transport-level cookie, if the peer carried one.
func (c *Conn) Cookie() string { return c.meta["cookie"] }

// post queues fn on the connection's goroutine. Frames are bounded by the
// inbox size; continuations (force) always go through. It returns false
// when the work was dropped.
func (c *Conn) post(fn func(), force bool) bool {
	c.mu.Lock()
	if c.closed.Load() || (!force && len(c.work) >= c.inboxSz) {
		c.mu.Unlock()
		return false
	}
	c.work = append(c.work, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// process runs queued work until the connection closes.
func (c *Conn) process() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			batch := c.work
			c.work = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if c.closed.Load() {
					return
				}
				fn()
			}
		}
	}
}

// Send queues a frame without blocking. It returns false when the queue is
// full or the connection is closed.
func (c *Conn) Send(frame []byte) bool {
	c.outMu.RLock()
	defer c.outMu.RUnlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- frame:
		c.lastSend.Store(time.Now().UnixNano())
		return true
	default:
		c.metrics.SendDropped()
		slog.Warn("send queue full, dropping",
			"component", "channel",
			"conn", c.id,
			"queue_len", len(c.out),
		)
		return false
	}
}

func (c *Conn) send(m *Message) bool {
	frame, err := m.Encode()
	if err != nil {
		slog.Debug("encode failed", "component", "channel", "conn", c.id, "error", err)
		return false
	}
	return c.Send(frame)
}

// drain writes queued frames to the peer until the connection closes or a
// write fails.
func (c *Conn) drain() error {
	for frame := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		err := c.peer.Send(ctx, frame)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// LastSend returns the time of the last successful enqueue.
func (c *Conn) LastSend() time.Time {
	return time.Unix(0, c.lastSend.Load())
}

// LastRecv returns the time of the last inbound frame.
func (c *Conn) LastRecv() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// TouchRecv updates the last receive time.
func (c *Conn) TouchRecv() {
	c.lastRecv.Store(time.Now().UnixNano())
}

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	return time.Unix(0, c.connectedAt)
}

// QueueLen returns current send queue occupancy.
func (c *Conn) QueueLen() int {
	return len(c.out)
}

// QueueFull reports whether the send queue is at capacity.
func (c *Conn) QueueFull() bool {
	return len(c.out) == cap(c.out)
}

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close stops the work goroutine and the drain loop. Queued work that has
// not started is discarded.
func (c *Conn) Close() {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.outMu.Lock()
		c.closed.Store(true)
		close(c.out)
		c.outMu.Unlock()
		c.work = nil
		c.mu.Unlock()
		close(c.done)
	})
}

// membership returns the joined channel state, or nil. Work goroutine only.
func (c *Conn) membership(ns, chn string) *membership {
	st := c.auth[ns]
	if st == nil {
		return nil
	}
	return st.joined[chn]
}

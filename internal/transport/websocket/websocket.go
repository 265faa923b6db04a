// Package websocket implements the transport adapter over gorilla/websocket.
// Liveness uses websocket control ping/pong frames in both directions.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

const (
	// Type is the adapter name carried in announcements.
	Type = "websocket"
	// Path is the HTTP path the server upgrades on.
	Path = "/mesh"
)

func init() {
	transport.Register(Type, func(opts transport.Options) (transport.Adapter, error) {
		return New(opts), nil
	})
}

// Adapter dials and serves websocket links.
type Adapter struct {
	opts     transport.Options
	upgrader websocket.Upgrader
}

// New creates a websocket adapter. Cross-origin upgrades are accepted;
// authentication belongs to the layer above.
func New(opts transport.Options) *Adapter {
	return &Adapter{
		opts: opts.WithDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (a *Adapter) Type() string { return Type }

// conn is shared by the client link and the server peer.
type conn struct {
	id   string
	ws   *websocket.Conn
	meta map[string]string
	opts transport.Options

	wmu sync.Mutex
	hb  *transport.Heartbeat
}

func (c *conn) ID() string                  { return c.id }
func (c *conn) Metadata() map[string]string { return c.meta }

func (c *conn) Send(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.Grace)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.ws.Close()
	c.hb.Fail(mesherr.ErrClosed)
	return err
}

func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.Grace))
}

// watch wires control frames into the heartbeat.
func (c *conn) watch() {
	c.ws.SetReadLimit(int64(c.opts.MaxFrameSize))
	c.ws.SetPongHandler(func(string) error {
		c.hb.Seen()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.hb.Seen()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.Grace))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (c *conn) readLoop(onData func([]byte)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.hb.Fail(err)
			return
		}
		c.hb.Seen()
		onData(data)
	}
}

// Connect dials ws://host:port/mesh for the provider.
func (a *Adapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	if p.Endpoint(kind) == nil {
		return transport.ErrNoEndpoint
	}
	u := url.URL{Scheme: "ws", Host: p.Addr(kind), Path: Path}

	dialer := websocket.Dialer{HandshakeTimeout: a.opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &conn{id: p.ID, ws: ws, opts: a.opts}
	c.hb = transport.StartHeartbeat(a.opts.ProbeInterval, a.opts.Grace, c.ping, func(error) {
		_ = ws.Close()
		p.ClearLink(c)
		h.ProviderDisconnected(p)
	})
	c.watch()
	if !p.SetLinkIfEmpty(c) {
		c.hb.Abandon()
		_ = ws.Close()
		return nil
	}
	go c.readLoop(func(frame []byte) { h.HandleFrame(p, frame) })
	return nil
}

// Server is a websocket listening endpoint. It also implements http.Handler
// so it can be mounted on an existing mux.
type Server struct {
	adapter *Adapter
	handler transport.ServerHandler
	ctx     context.Context
	cancel  context.CancelFunc

	lis    net.Listener
	http   *http.Server
	closed atomic.Bool
}

// StartServer binds host:port and upgrades requests on Path.
func (a *Adapter) StartServer(ctx context.Context, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := a.NewServer(ctx, h)
	s.lis = lis

	mux := http.NewServeMux()
	mux.Handle(Path, s)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: a.opts.DialTimeout}

	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket server error", "component", "transport", "error", err)
		}
	}()

	slog.Info("websocket transport listening", "component", "transport", "addr", lis.Addr().String())
	return s, nil
}

// NewServer returns an unbound server for mounting on a caller's mux.
func (a *Adapter) NewServer(ctx context.Context, h transport.ServerHandler) *Server {
	ctx, cancel := context.WithCancel(ctx)
	return &Server{adapter: a, handler: h, ctx: ctx, cancel: cancel}
}

func (s *Server) Port() int {
	if s.lis == nil {
		return 0
	}
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// ServeHTTP upgrades the request and serves the peer until it dies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.adapter.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "component", "transport", "error", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		opts: s.adapter.opts,
		meta: map[string]string{
			"cookie": r.Header.Get("Cookie"),
			"remote": r.RemoteAddr,
		},
	}
	c.hb = transport.StartHeartbeat(s.adapter.opts.ProbeInterval, s.adapter.opts.Grace, c.ping, func(error) {
		_ = ws.Close()
		if po, ok := s.handler.(transport.PeerObserver); ok {
			po.PeerClosed(c)
		}
	})
	c.watch()

	stop := context.AfterFunc(s.ctx, func() { _ = c.Close() })
	defer stop()

	c.readLoop(func(frame []byte) { s.handler.HandleFrame(s.ctx, c, frame) })
}

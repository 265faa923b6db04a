// Package tcp implements the length-prefixed TCP transport adapter.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Type is the adapter name carried in announcements.
const Type = "tcp"

func init() {
	transport.Register(Type, func(opts transport.Options) (transport.Adapter, error) {
		return New(opts), nil
	})
}

// Adapter dials and serves framed TCP streams.
type Adapter struct {
	opts transport.Options
}

// New creates a TCP adapter.
func New(opts transport.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() string { return Type }

// Connect dials the provider's endpoint and installs a heartbeated link on it.
func (a *Adapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	if p.Endpoint(kind) == nil {
		return transport.ErrNoEndpoint
	}

	d := net.Dialer{Timeout: a.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr(kind))
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Addr(kind), err)
	}
	setNoDelay(conn)

	transport.DialStream(conn, p, h, a.opts)
	return nil
}

// StartServer binds host:port and serves every accepted connection.
func (a *Adapter) StartServer(ctx context.Context, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &server{lis: lis, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, h, a.opts)
	}()

	slog.Info("tcp transport listening", "component", "transport", "addr", lis.Addr().String())
	return s, nil
}

type server struct {
	lis    net.Listener
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *server) Port() int {
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	err := s.lis.Close()
	s.wg.Wait()
	return err
}

func (s *server) acceptLoop(ctx context.Context, h transport.ServerHandler, opts transport.Options) {
	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "component", "transport", "error", err)
			continue
		}
		setNoDelay(conn)

		conns.Add(1)
		go func() {
			defer conns.Done()
			transport.ServeStream(ctx, uuid.NewString(), conn, h, opts)
		}()
	}
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

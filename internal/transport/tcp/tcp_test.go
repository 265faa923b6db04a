package tcp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/internal/transport/transporttest"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

type upperServer struct{}

func (upperServer) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	out := make([]byte, len(frame))
	for i, b := range frame {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	_ = peer.Send(ctx, out)
}

type client struct {
	frames chan []byte
	gone   chan struct{}
}

func (c *client) HandleFrame(_ *provider.Provider, frame []byte) { c.frames <- frame }
func (c *client) ProviderDisconnected(*provider.Provider)       { close(c.gone) }

func TestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(transport.Options{ProbeInterval: 50 * time.Millisecond, Grace: time.Second})
	srv, err := a.StartServer(ctx, "127.0.0.1", 0, upperServer{})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.Port() == 0 {
		t.Fatal("server should report its bound port")
	}

	p := &provider.Provider{ID: "p", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: Type, Port: srv.Port()}}
	c := &client{frames: make(chan []byte, 1), gone: make(chan struct{})}
	if err := a.Connect(ctx, p, provider.KindRPC, c); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := p.Link().Send(ctx, []byte("mesh")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-c.frames:
		if string(got) != "MESH" {
			t.Errorf("got %q, want MESH", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reply")
	}

	// Server shutdown must surface as exactly one disconnect.
	if err := srv.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}
	select {
	case <-c.gone:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect not reported after server close")
	}
}

func TestConnectRefused(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	_ = lis.Close()

	a := New(transport.Options{DialTimeout: 500 * time.Millisecond})
	p := &provider.Provider{Host: "127.0.0.1", RPC: &provider.Endpoint{Type: Type, Port: port}}
	if err := a.Connect(context.Background(), p, provider.KindRPC, &client{}); err == nil {
		t.Fatal("expected dial error on closed port " + strconv.Itoa(port))
	}
	if p.Link() != nil {
		t.Error("failed connect must not install a link")
	}
}

func TestBindConflict(t *testing.T) {
	ctx := context.Background()
	a := New(transport.Options{})
	srv, err := a.StartServer(ctx, "127.0.0.1", 0, upperServer{})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if _, err := a.StartServer(ctx, "127.0.0.1", srv.Port(), upperServer{}); err == nil {
		t.Fatal("expected bind conflict")
	}
}

func TestRegistered(t *testing.T) {
	a, err := transport.New(Type, transport.Options{})
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	if a.Type() != Type {
		t.Errorf("type = %q", a.Type())
	}
}

func TestHangupReportedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(transport.Options{ProbeInterval: 50 * time.Millisecond, Grace: time.Second})
	srv, err := a.StartServer(ctx, "127.0.0.1", 0, transporttest.Hangup{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	p := &provider.Provider{ID: "t", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: Type, Port: srv.Port()}}
	c := transporttest.NewClient()
	transporttest.ConnectConcurrently(t, a, p, provider.KindRPC, c, 4)

	if err := p.Link().Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-c.Frames:
		if string(f) != "ping" {
			t.Errorf("frame = %q, want ping", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no echo on the installed link")
	}

	transporttest.ExpectSingleDisconnect(t, c, p)
}

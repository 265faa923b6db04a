package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/internal/transport/transporttest"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

type echo struct {
	mu     sync.Mutex
	meta   map[string]string
	closed chan struct{}
}

func (e *echo) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	if mp, ok := peer.(transport.MetadataPeer); ok {
		e.mu.Lock()
		e.meta = mp.Metadata()
		e.mu.Unlock()
	}
	_ = peer.Send(ctx, frame)
}

func (e *echo) PeerClosed(transport.Peer) {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

type client struct {
	frames chan []byte
	gone   chan struct{}
}

func (c *client) HandleFrame(_ *provider.Provider, f []byte) { c.frames <- f }
func (c *client) ProviderDisconnected(*provider.Provider)   { close(c.gone) }

func TestAdapterRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(transport.Options{ProbeInterval: 50 * time.Millisecond, Grace: time.Second})
	h := &echo{closed: make(chan struct{})}
	srv, err := a.StartServer(ctx, "127.0.0.1", 0, h)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	p := &provider.Provider{ID: "ws", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: Type, Port: srv.Port()}}
	c := &client{frames: make(chan []byte, 1), gone: make(chan struct{})}
	if err := a.Connect(ctx, p, provider.KindRPC, c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Link().Send(ctx, []byte(`{"name":"x"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-c.frames:
		if string(f) != `{"name":"x"}` {
			t.Errorf("frame = %s", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}

	p.DropLink()
	select {
	case <-c.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("client disconnect not reported")
	}
	select {
	case <-h.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe peer close")
	}
}

func TestServerExposesCookie(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(transport.Options{})
	h := &echo{closed: make(chan struct{})}
	ts := httptest.NewServer(a.NewServer(ctx, h))
	defer ts.Close()

	header := map[string][]string{"Cookie": {"sid=abc"}}
	ws, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(gws.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta["cookie"] != "sid=abc" {
		t.Errorf("cookie = %q, want sid=abc", h.meta["cookie"])
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

	p := &provider.Provider{ID: "ws", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: Type, Port: srv.Port()}}
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

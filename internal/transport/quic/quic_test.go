package quic

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/internal/transport/transporttest"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

type upper struct{}

func (upper) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	_ = peer.Send(ctx, bytes.ToUpper(frame))
}

type client struct {
	frames chan []byte
	gone   chan struct{}
}

func (c *client) HandleFrame(_ *provider.Provider, f []byte) { c.frames <- f }
func (c *client) ProviderDisconnected(*provider.Provider)   { close(c.gone) }

func TestStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(transport.Options{ProbeInterval: 50 * time.Millisecond, Grace: time.Second})
	srv, err := a.StartServer(ctx, "127.0.0.1", 0, upper{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	p := &provider.Provider{ID: "q", Host: "127.0.0.1", Channel: &provider.Endpoint{Type: Type, Port: srv.Port()}}
	c := &client{frames: make(chan []byte, 1), gone: make(chan struct{})}
	if err := a.Connect(ctx, p, provider.KindChannel, c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Link().Send(ctx, []byte("quic")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-c.frames:
		if string(f) != "QUIC" {
			t.Errorf("frame = %q, want QUIC", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}

	_ = srv.Close()
	select {
	case <-c.gone:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported after server close")
	}
}

func TestSelfSignedCertificate(t *testing.T) {
	cert, err := selfSigned()
	if err != nil {
		t.Fatalf("selfSigned: %v", err)
	}
	if len(cert.Certificate) != 1 || cert.PrivateKey == nil {
		t.Error("incomplete certificate")
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

	p := &provider.Provider{ID: "q", Host: "127.0.0.1", Channel: &provider.Endpoint{Type: Type, Port: srv.Port()}}
	c := transporttest.NewClient()
	transporttest.ConnectConcurrently(t, a, p, provider.KindChannel, c, 4)

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

package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameData, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, FramePing, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	kind, payload, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != FrameData || string(payload) != "hello" {
		t.Errorf("got kind=%d payload=%q", kind, payload)
	}

	kind, payload, err = ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if kind != FramePing || len(payload) != 0 {
		t.Errorf("got kind=%d payload=%q, want empty ping", kind, payload)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, FrameData, make([]byte, 100))
	if _, _, err := ReadFrame(&buf, 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestHeartbeatFiresOnceOnTimeout(t *testing.T) {
	var calls atomic.Int32
	done := make(chan error, 4)
	hb := StartHeartbeat(10*time.Millisecond, 50*time.Millisecond, nil, func(err error) {
		calls.Add(1)
		done <- err
	})

	select {
	case err := <-done:
		if !errors.Is(err, ErrHeartbeatTimeout) {
			t.Errorf("err = %v, want heartbeat timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never fired")
	}

	hb.Fail(errors.New("again"))
	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("onDead called %d times, want 1", n)
	}
}

func TestHeartbeatKeptAliveBySeen(t *testing.T) {
	fired := make(chan struct{}, 1)
	hb := StartHeartbeat(10*time.Millisecond, 80*time.Millisecond, func() error { return nil }, func(error) {
		fired <- struct{}{}
	})
	defer hb.Stop()

	deadline := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-fired:
			t.Fatal("heartbeat fired while peer was active")
		case <-ticker.C:
			hb.Seen()
		case <-deadline:
			return
		}
	}
}

type recordingClient struct {
	mu           sync.Mutex
	frames       [][]byte
	disconnected atomic.Int32
	gotFrame     chan struct{}
	gone         chan struct{}
}

func newRecordingClient() *recordingClient {
	return &recordingClient{gotFrame: make(chan struct{}, 16), gone: make(chan struct{}, 4)}
}

func (r *recordingClient) HandleFrame(_ *provider.Provider, frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	r.gotFrame <- struct{}{}
}

func (r *recordingClient) ProviderDisconnected(*provider.Provider) {
	r.disconnected.Add(1)
	r.gone <- struct{}{}
}

type echoServer struct{}

func (echoServer) HandleFrame(ctx context.Context, peer Peer, frame []byte) {
	_ = peer.Send(ctx, append([]byte("echo:"), frame...))
}

func TestStreamLinkEcho(t *testing.T) {
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := Options{ProbeInterval: 20 * time.Millisecond, Grace: time.Second}
	go ServeStream(ctx, "peer-1", server, echoServer{}, opts)

	p := &provider.Provider{ID: "p1"}
	h := newRecordingClient()
	link := DialStream(client, p, h, opts)
	if p.Link() != link {
		t.Fatal("link should be installed on the provider")
	}

	if err := link.Send(ctx, []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-h.gotFrame:
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
	h.mu.Lock()
	got := string(h.frames[0])
	h.mu.Unlock()
	if got != "echo:hi" {
		t.Errorf("frame = %q, want echo:hi", got)
	}

	_ = link.Close()
	select {
	case <-h.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.disconnected.Load(); n != 1 {
		t.Errorf("ProviderDisconnected called %d times, want 1", n)
	}
	if p.Link() != nil {
		t.Error("link should be cleared after disconnect")
	}
}

func TestStreamLinkDetectsSilentPeer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	// Drain the server side without ever answering pings.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	p := &provider.Provider{ID: "p1"}
	h := newRecordingClient()
	DialStream(client, p, h, Options{ProbeInterval: 10 * time.Millisecond, Grace: 60 * time.Millisecond})

	select {
	case <-h.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was never declared dead")
	}
}

func TestDialStreamKeepsInstalledLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := Options{ProbeInterval: 20 * time.Millisecond, Grace: time.Second}

	c1, s1 := net.Pipe()
	go ServeStream(ctx, "peer-1", s1, echoServer{}, opts)
	c2, s2 := net.Pipe()
	defer s2.Close()

	p := &provider.Provider{ID: "p1"}
	h := newRecordingClient()
	first := DialStream(c1, p, h, opts)
	if got := DialStream(c2, p, h, opts); got != first {
		t.Fatal("second dial should hand back the installed link")
	}

	_ = s2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := s2.Read(make([]byte, 1)); err == nil {
		t.Error("losing stream should be closed")
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.disconnected.Load(); n != 0 {
		t.Errorf("losing stream reported %d disconnects, want 0", n)
	}
	if p.Link() != first {
		t.Error("installed link replaced")
	}
	_ = first.Close()
}

func TestHeartbeatAbandonDisarms(t *testing.T) {
	var calls atomic.Int32
	hb := StartHeartbeat(5*time.Millisecond, 10*time.Millisecond, nil, func(error) { calls.Add(1) })
	hb.Abandon()
	hb.Fail(errors.New("late"))
	time.Sleep(40 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("onDead ran %d times after Abandon", n)
	}
}

func TestDialGuard(t *testing.T) {
	var g DialGuard
	p, q := &provider.Provider{ID: "p"}, &provider.Provider{ID: "q"}

	if !g.Begin(p) {
		t.Fatal("first Begin should succeed")
	}
	if g.Begin(p) {
		t.Fatal("second Begin for the same provider must wait for Done")
	}
	if !g.Begin(q) {
		t.Fatal("other providers dial independently")
	}
	if g.Dialing() != 2 {
		t.Errorf("dialing = %d, want 2", g.Dialing())
	}
	g.Done(p)
	if !g.Begin(p) {
		t.Error("Begin after Done should succeed")
	}
}

func TestRegistryUnknownAdapter(t *testing.T) {
	_, err := New("carrier-pigeon", Options{})
	if !errors.Is(err, mesherr.ErrConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/middleware"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/internal/transport/tcp"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// memAdapter connects clients straight to the last started server. Every
// client frame is delivered 1+redeliver times.
type memAdapter struct {
	mu        sync.Mutex
	srv       transport.ServerHandler
	redeliver int
}

func (m *memAdapter) Type() string { return "mem" }

func (m *memAdapter) StartServer(_ context.Context, _ string, _ int, h transport.ServerHandler) (transport.Server, error) {
	m.mu.Lock()
	m.srv = h
	m.mu.Unlock()
	return memServer{}, nil
}

func (m *memAdapter) Connect(_ context.Context, p *provider.Provider, _ provider.Kind, h transport.ClientHandler) error {
	l := &memLink{a: m, p: p, h: h}
	p.SetLinkIfEmpty(l)
	return nil
}

// slowAdapter holds every dial open for delay and counts them.
type slowAdapter struct {
	*memAdapter
	delay time.Duration
	dials atomic.Int32
}

func (s *slowAdapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	s.dials.Add(1)
	time.Sleep(s.delay)
	return s.memAdapter.Connect(ctx, p, kind, h)
}

type memServer struct{}

func (memServer) Port() int    { return 1 }
func (memServer) Close() error { return nil }

type memLink struct {
	a      *memAdapter
	p      *provider.Provider
	h      transport.ClientHandler
	closed atomic.Bool
}

func (l *memLink) Send(ctx context.Context, frame []byte) error {
	if l.closed.Load() {
		return mesherr.ErrClosed
	}
	l.a.mu.Lock()
	srv := l.a.srv
	l.a.mu.Unlock()
	for i := 0; i <= l.a.redeliver; i++ {
		srv.HandleFrame(ctx, memPeer{l}, frame)
	}
	return nil
}

func (l *memLink) Close() error {
	if !l.closed.Swap(true) {
		l.p.ClearLink(l)
		l.h.ProviderDisconnected(l.p)
	}
	return nil
}

type memPeer struct{ l *memLink }

func (p memPeer) ID() string { return "peer-" + p.l.p.ID }
func (p memPeer) Send(_ context.Context, frame []byte) error {
	p.l.h.HandleFrame(p.l.p, frame)
	return nil
}
func (p memPeer) Close() error { return p.l.Close() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register("echo", []string{"value"}, func(_ context.Context, c *Call) {
		var v int
		if err := c.Bind(&v); err != nil {
			t.Errorf("bind: %v", err)
			return
		}
		_ = c.Reply(v)
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func newPair(t *testing.T, a transport.Adapter, r *Registry, names []string, sopts ...ServerOption) (*Client, *provider.Provider) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := NewServer(a, r, sopts...)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ls, err := srv.Listen(ctx, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ls.Close() })

	pool := scheduler.New("echo")
	c, err := NewClient(ctx, "echo", a, pool, names)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)

	p := &provider.Provider{ID: "p1", Name: "echo", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: a.Type(), Port: ls.Port()}}
	pool.Add(p)
	waitFor(t, "link", func() bool { return p.Link() != nil })
	return c, p
}

func TestEchoRoundTripTCP(t *testing.T) {
	a := tcp.New(transport.Options{})
	c, _ := newPair(t, a, echoRegistry(t), []string{"echo"})

	var calls atomic.Int32
	got := make(chan int, 2)
	c.Stub("echo")(42, func(r *Reply) {
		calls.Add(1)
		var v int
		if err := r.Bind(&v); err != nil {
			t.Errorf("bind reply: %v", err)
		}
		got <- v
	})

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("reply = %d, want 42", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after reply", c.Pending())
	}
}

func TestAtMostOneReplyUnderRedelivery(t *testing.T) {
	var runs atomic.Int32
	r := NewRegistry()
	r.MustRegister("echo", []string{"value"}, func(_ context.Context, c *Call) {
		runs.Add(1)
		var v int
		_ = c.Bind(&v)
		if err := c.Reply(v); err != nil {
			t.Errorf("first reply: %v", err)
		}
		if err := c.Reply(v); !errors.Is(err, ErrAlreadyReplied) {
			t.Errorf("second reply err = %v, want ErrAlreadyReplied", err)
		}
	})

	a := &memAdapter{redeliver: 3}
	c, _ := newPair(t, a, r, nil)

	var calls atomic.Int32
	if err := c.Call(context.Background(), "echo", []any{7}, func(*Reply) { calls.Add(1) }); err != nil {
		t.Fatalf("call: %v", err)
	}

	waitFor(t, "callback", func() bool { return calls.Load() > 0 })
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestFireAndForgetGetsNoReply(t *testing.T) {
	seen := make(chan bool, 1)
	r := NewRegistry()
	r.MustRegister("log", []string{"line"}, func(_ context.Context, c *Call) {
		seen <- c.ExpectsReply()
		_ = c.Reply("ignored")
	})

	c, _ := newPair(t, &memAdapter{}, r, nil)
	c.Stub("log")("hello")

	select {
	case expects := <-seen:
		if expects {
			t.Error("call without callback should not expect a reply")
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestUnknownNameDroppedSilently(t *testing.T) {
	c, _ := newPair(t, &memAdapter{}, echoRegistry(t), nil)

	var calls atomic.Int32
	if err := c.Call(context.Background(), "missing", nil, func(*Reply) { calls.Add(1) }); err != nil {
		t.Fatalf("call: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("unknown procedure produced a reply")
	}
	if c.Pending() != 1 {
		t.Errorf("pending = %d, want 1", c.Pending())
	}
}

func TestStrictServerRepliesNotFound(t *testing.T) {
	c, _ := newPair(t, &memAdapter{}, echoRegistry(t), nil, WithStrict())

	got := make(chan *Reply, 1)
	if err := c.Call(context.Background(), "missing", nil, func(r *Reply) { got <- r }); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case r := <-got:
		if r.Err != ErrNotFound {
			t.Errorf("reply err = %q, want %q", r.Err, ErrNotFound)
		}
	case <-time.After(time.Second):
		t.Fatal("no not_found reply")
	}
}

func TestHooksRejectAndObserve(t *testing.T) {
	var post atomic.Int32
	chain := &middleware.Chain{
		Pre: []middleware.Hook{middleware.Deny("echo")},
		Post: []middleware.Hook{func(ctx context.Context, _ *middleware.CallInfo) (context.Context, error) {
			post.Add(1)
			return ctx, nil
		}},
	}
	r := echoRegistry(t)
	r.MustRegister("ping", nil, func(_ context.Context, c *Call) { _ = c.Reply("pong") })
	c, _ := newPair(t, &memAdapter{}, r, nil, WithHooks(chain))

	got := make(chan *Reply, 2)
	if err := c.Call(context.Background(), "echo", []any{1}, func(r *Reply) { got <- r }); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case r := <-got:
		if r.Err != middleware.ErrRejected {
			t.Errorf("reply err = %q, want %q", r.Err, middleware.ErrRejected)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejected reply")
	}

	if err := c.Call(context.Background(), "ping", nil, func(r *Reply) { got <- r }); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case r := <-got:
		if r.Err != "" {
			t.Errorf("ping err = %q", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no ping reply")
	}
	waitFor(t, "post hook", func() bool { return post.Load() == 1 })
}

func TestNoProviderDropsCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewClient(ctx, "echo", &memAdapter{}, scheduler.New("echo"), []string{"echo"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Call(ctx, "echo", []any{1}, func(*Reply) { t.Error("callback must not run") }); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
	c.Stub("echo")(1, func(*Reply) { t.Error("callback must not run") })
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestUndeclaredProcedure(t *testing.T) {
	c, _ := newPair(t, &memAdapter{}, echoRegistry(t), []string{"echo"})
	if err := c.Call(context.Background(), "other", nil, nil); !errors.Is(err, mesherr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDisconnectAbandonsPending(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("slow", nil, func(context.Context, *Call) {})

	c, p := newPair(t, &memAdapter{}, r, nil)

	var calls atomic.Int32
	for range 3 {
		if err := c.Call(context.Background(), "slow", nil, func(*Reply) { calls.Add(1) }); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if c.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", c.Pending())
	}

	p.DropLink()

	if c.Pending() != 0 {
		t.Errorf("pending = %d after disconnect, want 0", c.Pending())
	}
	if c.Pool().Len() != 0 {
		t.Errorf("pool len = %d after disconnect, want 0", c.Pool().Len())
	}
	if p.PoolID() != 0 {
		t.Error("disconnected provider still has a pool id")
	}
	if calls.Load() != 0 {
		t.Error("abandoned callback ran")
	}
}

func TestCorrelationIDsWrapAndSkipLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewClient(ctx, "echo", &memAdapter{}, scheduler.New("echo"), nil, WithMaxCorrelationID(3))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	p := &provider.Provider{ID: "x"}
	noop := func(*Reply) {}
	ids := []uint64{c.track(p, "a", noop), c.track(p, "b", noop), c.track(p, "c", noop)}
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("ids = %v, want [1 2 3]", ids)
	}

	c.forget(2)
	if id := c.track(p, "d", noop); id != 2 {
		t.Errorf("wrapped id = %d, want 2 (1 and 3 are live)", id)
	}

	id := c.track(p, "e", noop)
	if id < 1 || id > 3 {
		t.Errorf("id %d outside [1, 3]", id)
	}
	if c.Pending() != 3 {
		t.Errorf("pending = %d, want 3", c.Pending())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("boom", nil, func(context.Context, *Call) { panic("boom") })
	r.MustRegister("echo", []string{"value"}, func(_ context.Context, c *Call) {
		var v int
		_ = c.Bind(&v)
		_ = c.Reply(v)
	})

	c, _ := newPair(t, &memAdapter{}, r, nil)
	c.Stub("boom")()

	got := make(chan struct{})
	c.Stub("echo")(1, func(*Reply) { close(got) })
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("server stopped dispatching after a panic")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, *Call) {}

	if err := r.Register("sum", []string{"a", "b"}, h); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("sum", nil, h); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("duplicate err = %v, want ErrConfig", err)
	}
	if err := r.Register("", nil, h); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("empty name err = %v, want ErrConfig", err)
	}

	r.Freeze()
	if err := r.Register("late", nil, h); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("frozen err = %v, want ErrConfig", err)
	}

	api := r.API()
	if len(api) != 1 || len(api["sum"].Args) != 2 || api["sum"].Args[1] != "b" {
		t.Errorf("API() = %v", api)
	}
}

func TestDispatchMalformedFrames(t *testing.T) {
	srv, err := NewServer(&memAdapter{}, echoRegistry(t))
	if err != nil {
		t.Fatal(err)
	}

	replied := false
	reply := func([]byte) error { replied = true; return nil }
	for _, raw := range []string{`not json`, `{"rid":4,"args":[]}`, `{"args":[1]}`} {
		srv.Dispatch(context.Background(), "peer", []byte(raw), reply)
	}
	time.Sleep(20 * time.Millisecond)
	if replied {
		t.Error("malformed frame produced a reply")
	}
}

func TestBurstBeforeFirstDialOpensOneLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &slowAdapter{memAdapter: &memAdapter{}, delay: 50 * time.Millisecond}
	pool := scheduler.New("echo")
	c, err := NewClient(ctx, "echo", a, pool, []string{"echo"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	p := &provider.Provider{ID: "p1", Host: "127.0.0.1", RPC: &provider.Endpoint{Type: a.Type(), Port: 1}}
	pool.Add(p)
	for range 10 {
		if err := c.Call(ctx, "echo", []any{1}, nil); !errors.Is(err, ErrNoLink) {
			t.Fatalf("err = %v, want ErrNoLink before the first dial finishes", err)
		}
	}

	waitFor(t, "link", func() bool { return p.Link() != nil })
	time.Sleep(2 * a.delay)
	if n := a.dials.Load(); n != 1 {
		t.Errorf("dialed %d times for one provider, want 1", n)
	}
	if pool.Len() != 1 {
		t.Errorf("pool len = %d, want 1", pool.Len())
	}
}

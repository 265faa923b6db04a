package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/channel"
	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/internal/rpc"
	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/internal/transport/tcp"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

func newNode(t *testing.T, hub *discovery.Hub, name string) *Node {
	t.Helper()
	opts := transport.Options{ProbeInterval: 50 * time.Millisecond, Grace: time.Second}
	n, err := New(Config{
		Name:      name,
		Version:   "1.0.0",
		Bind:      "127.0.0.1",
		RPC:       tcp.New(opts),
		Channel:   tcp.New(opts),
		Discovery: discovery.New(hub.Backend(name), discovery.Options{Interval: 50 * time.Millisecond}),
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("no name: %v", err)
	}
	if _, err := New(Config{Name: "x"}); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("no discovery: %v", err)
	}
}

func TestExposeConsumeOverDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	hub := discovery.NewHub()

	server := newNode(t, hub, "math")
	procs := rpc.NewRegistry()
	procs.MustRegister("echo", []string{"value"}, func(_ context.Context, call *rpc.Call) {
		var v int
		_ = call.Bind(&v)
		_ = call.Reply(v)
	})
	if err := server.Expose(ctx, procs); err != nil {
		t.Fatal(err)
	}
	if err := server.Expose(ctx, rpc.NewRegistry()); !errors.Is(err, mesherr.ErrAlreadyExists) {
		t.Errorf("second Expose = %v, want ErrAlreadyExists", err)
	}
	if err := server.Start(ctx); err != nil {
		t.Fatal(err)
	}

	client := newNode(t, hub, "caller")
	math, err := client.Consume(ctx, "math", []string{"echo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if client.Announcement() != nil {
		t.Error("a node serving nothing announced itself")
	}

	waitFor(t, "provider link", func() bool {
		for _, p := range math.Pool().Providers() {
			if p.Link() != nil {
				return true
			}
		}
		return false
	})

	got := make(chan int, 2)
	err = math.Call(ctx, "echo", []any{42}, func(r *rpc.Reply) {
		var v int
		_ = r.Bind(&v)
		got <- v
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("echo = %d, want 42", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
	}
	select {
	case <-got:
		t.Error("callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	_ = server.Close()
	waitFor(t, "provider evicted", func() bool { return math.Pool().Len() == 0 })
}

func TestMountRegeneratesAnnouncement(t *testing.T) {
	ctx := context.Background()
	hub := discovery.NewHub()
	n := newNode(t, hub, "chat")

	procs := rpc.NewRegistry()
	procs.MustRegister("ping", nil, func(context.Context, *rpc.Call) {})
	if err := n.Expose(ctx, procs); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatal(err)
	}
	first := n.Announcement()
	if first == nil || first.RPC == nil || first.Channel != nil {
		t.Fatalf("announcement before mount = %+v", first)
	}
	if _, ok := first.RPC.API["ping"]; !ok {
		t.Errorf("api = %v", first.RPC.API)
	}

	_, err := n.Mount(ctx, channel.ServiceConfig{Namespaces: []*channel.Namespace{{
		Name: "/room",
		Auth: func(_ context.Context, _ channel.Meta, next func(*channel.Session, string)) {
			next(channel.NewSession(nil), "")
		},
		Join: func(_ context.Context, _ *channel.Session, _ string, next func(rep, sub []string)) {
			next([]string{"say"}, nil)
		},
		Events: map[string]channel.Handler{"say": func(context.Context, channel.Publisher, *channel.Request) {}},
	}}})
	if err != nil {
		t.Fatal(err)
	}

	second := n.Announcement()
	if second == first {
		t.Fatal("announcement not regenerated")
	}
	if second.Channel == nil || second.Channel.Endpoint == 0 || second.Channel.Type != tcp.Type {
		t.Fatalf("channel descriptor = %+v", second.Channel)
	}
	if got := second.Channel.Namespaces["/room"].RepEvents; len(got) != 1 || got[0] != "say" {
		t.Errorf("rep events = %v", got)
	}
	if got := n.Services(); len(got) != 2 || got[0] != "channel:/room" || got[1] != "rpc:ping" {
		t.Errorf("services = %v", got)
	}

	// a watcher of the channel endpoint sees the mounted service
	watcher := newNode(t, hub, "edge")
	pool, err := watcher.Watch("chat", provider.KindChannel)
	if err != nil {
		t.Fatal(err)
	}
	if err := watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel provider", func() bool { return pool.Len() == 1 })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

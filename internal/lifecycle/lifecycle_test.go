package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/discovery"
	"github.com/gezibash/arc-mesh/internal/scheduler"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLink struct{ closed atomic.Bool }

func (l *fakeLink) Send(context.Context, []byte) error { return nil }
func (l *fakeLink) Close() error                       { l.closed.Store(true); return nil }

func announce(name, host string, port int, timeoutMs int64) *provider.Announcement {
	return &provider.Announcement{
		Name:    name,
		Version: "1.0.0",
		Host:    host,
		ID:      fmt.Sprintf("%s-%s-%d", name, host, port),
		Timeout: timeoutMs,
		RPC:     &provider.RPCDescriptor{Type: "tcp", Port: port},
	}
}

func TestHandleAddsAndDeduplicates(t *testing.T) {
	clk := newClock()
	tr := New(WithClock(clk.Now))
	pool := scheduler.New("svc")
	if err := tr.Watch("svc", pool, provider.KindRPC); err != nil {
		t.Fatal(err)
	}

	tr.Handle(nil, announce("svc", "10.0.0.1", 9000, 6000), discovery.Info{})
	tr.Handle(nil, announce("svc", "10.0.0.2", 9000, 6000), discovery.Info{})
	if pool.Len() != 2 {
		t.Fatalf("pool len = %d, want 2", pool.Len())
	}

	clk.Advance(time.Second)
	again := announce("svc", "10.0.0.1", 9000, 9000)
	again.ID = "restarted"
	tr.Handle(nil, again, discovery.Info{})
	if pool.Len() != 2 {
		t.Fatalf("duplicate endpoint added: pool len = %d", pool.Len())
	}

	probe := provider.FromAnnouncement(again, "", clk.Now())
	existing, ok := pool.HasItem(probe, provider.SameEndpoint(provider.KindRPC))
	if !ok {
		t.Fatal("existing provider not found")
	}
	if !existing.LastSeen().Equal(clk.Now()) {
		t.Errorf("last seen not refreshed: %v", existing.LastSeen())
	}
	if existing.TimeoutValue() != 9*time.Second {
		t.Errorf("timeout = %v, want 9s", existing.TimeoutValue())
	}
	if existing.Weight != scheduler.DefaultWeight {
		t.Errorf("weight = %d", existing.Weight)
	}
}

func TestHandleIgnoresUninterestingAndErrors(t *testing.T) {
	tr := New()
	pool := scheduler.New("svc")
	_ = tr.Watch("svc", pool, provider.KindRPC)

	tr.Handle(nil, announce("other", "10.0.0.1", 9000, 0), discovery.Info{})
	tr.Handle(fmt.Errorf("%w: bad json", discovery.ErrMalformedAnnouncement), nil, discovery.Info{Source: "x"})
	tr.Handle(errors.New("socket gone"), nil, discovery.Info{Backend: "multicast"})

	if pool.Len() != 0 {
		t.Errorf("pool len = %d, want 0", pool.Len())
	}
	if tr.Filter()(announce("other", "h", 1, 0)) {
		t.Error("filter accepted an unwatched service")
	}
	if !tr.Filter()(announce("svc", "h", 1, 0)) {
		t.Error("filter rejected a watched service")
	}
}

func TestHandleFallsBackToSourceHost(t *testing.T) {
	tr := New()
	pool := scheduler.New("svc")
	_ = tr.Watch("svc", pool, provider.KindRPC)

	tr.Handle(nil, announce("svc", "0.0.0.0", 9000, 0), discovery.Info{Source: "192.168.1.20:44201"})
	p := pool.Get()
	if p == nil || p.Host != "192.168.1.20" {
		t.Fatalf("provider = %+v", p)
	}
}

func TestChannelInterestNeedsChannelEndpoint(t *testing.T) {
	tr := New()
	pool := scheduler.New("chat")
	_ = tr.Watch("chat", pool, provider.KindChannel)

	tr.Handle(nil, announce("chat", "10.0.0.1", 9000, 0), discovery.Info{})
	if pool.Len() != 0 {
		t.Fatal("rpc-only announcement added to a channel pool")
	}

	withChannel := announce("chat", "10.0.0.1", 9000, 0)
	withChannel.Channel = &provider.ChannelDescriptor{Type: "tcp", Endpoint: 9100}
	tr.Handle(nil, withChannel, discovery.Info{})
	if pool.Len() != 1 {
		t.Fatalf("pool len = %d, want 1", pool.Len())
	}
	if got := pool.Get().Addr(provider.KindChannel); got != "10.0.0.1:9100" {
		t.Errorf("addr = %q", got)
	}
}

func TestWatchExpr(t *testing.T) {
	tr := New()
	v2 := scheduler.New("billing-v2")
	if err := tr.WatchExpr(`name == "billing" && version.startsWith("2.")`, v2, provider.KindRPC); err != nil {
		t.Fatalf("WatchExpr: %v", err)
	}

	old := announce("billing", "10.0.0.1", 9000, 0)
	next := announce("billing", "10.0.0.2", 9000, 0)
	next.Version = "2.1.0"
	tr.Handle(nil, old, discovery.Info{})
	tr.Handle(nil, next, discovery.Info{})

	if v2.Len() != 1 || v2.Get().Version != "2.1.0" {
		t.Fatalf("pool = %d providers", v2.Len())
	}

	if err := tr.WatchExpr(`bogus ==`, v2, provider.KindRPC); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("bad expr err = %v, want ErrConfig", err)
	}
	if err := tr.Watch("", v2, provider.KindRPC); !errors.Is(err, mesherr.ErrConfig) {
		t.Errorf("empty name err = %v, want ErrConfig", err)
	}
}

func TestSweepEvictsFromEveryPool(t *testing.T) {
	clk := newClock()
	tr := New(WithClock(clk.Now))
	byName := scheduler.New("svc")
	byExpr := scheduler.New("svc-expr")
	_ = tr.Watch("svc", byName, provider.KindRPC)
	_ = tr.WatchExpr(`name == "svc"`, byExpr, provider.KindRPC)

	tr.Handle(nil, announce("svc", "10.0.0.1", 9000, 1000), discovery.Info{})
	tr.Handle(nil, announce("svc", "10.0.0.2", 9000, 5000), discovery.Info{})
	if byName.Len() != 2 || byExpr.Len() != 2 {
		t.Fatalf("pools = %d/%d, want 2/2", byName.Len(), byExpr.Len())
	}

	links := make(map[string]*fakeLink)
	for _, pool := range []*scheduler.Pool{byName, byExpr} {
		pool.Each(func(p *provider.Provider) {
			l := &fakeLink{}
			p.SetLink(l)
			links[pool.Name()+"/"+p.Host] = l
		})
	}

	clk.Advance(1500 * time.Millisecond)
	if n := tr.Sweep(); n != 2 {
		t.Fatalf("evicted = %d, want 2", n)
	}

	for _, pool := range []*scheduler.Pool{byName, byExpr} {
		var hosts []string
		pool.Each(func(p *provider.Provider) { hosts = append(hosts, p.Host) })
		if len(hosts) != 1 || hosts[0] != "10.0.0.2" {
			t.Errorf("%s still enumerates %v", pool.Name(), hosts)
		}
		if !links[pool.Name()+"/10.0.0.1"].closed.Load() {
			t.Errorf("%s: expired provider link not closed", pool.Name())
		}
		if links[pool.Name()+"/10.0.0.2"].closed.Load() {
			t.Errorf("%s: live provider link closed", pool.Name())
		}
	}
}

func TestRefreshPreventsEviction(t *testing.T) {
	clk := newClock()
	tr := New(WithClock(clk.Now))
	pool := scheduler.New("svc")
	_ = tr.Watch("svc", pool, provider.KindRPC)

	ann := announce("svc", "10.0.0.1", 9000, 1000)
	for range 5 {
		tr.Handle(nil, ann, discovery.Info{})
		clk.Advance(800 * time.Millisecond)
		tr.Sweep()
	}
	if pool.Len() != 1 {
		t.Fatal("refreshed provider was evicted")
	}
}

func TestInterval(t *testing.T) {
	tr := New()
	pool := scheduler.New("svc")
	_ = tr.Watch("svc", pool, provider.KindRPC)

	if got := tr.Interval(); got != DefaultSweepInterval {
		t.Errorf("empty interval = %v, want %v", got, DefaultSweepInterval)
	}

	tr.Handle(nil, announce("svc", "10.0.0.1", 9000, 3000), discovery.Info{})
	tr.Handle(nil, announce("svc", "10.0.0.2", 9000, 1200), discovery.Info{})
	if got := tr.Interval(); got != 1200*time.Millisecond {
		t.Errorf("interval = %v, want 1.2s", got)
	}

	tr.Handle(nil, announce("svc", "10.0.0.3", 9000, 100), discovery.Info{})
	if got := tr.Interval(); got != MinSweepInterval {
		t.Errorf("interval = %v, want floor %v", got, MinSweepInterval)
	}
}

func TestRunEvictsOverDiscovery(t *testing.T) {
	hub := discovery.NewHub()
	d := discovery.New(hub.Backend("test"), discovery.Options{})
	defer d.Stop()

	tr := New()
	pool := scheduler.New("svc")
	_ = tr.Watch("svc", pool, provider.KindRPC)
	if err := d.Listen(context.Background(), tr.Filter(), tr.Handle); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	data, _ := announce("svc", "10.0.0.1", 9000, 50).Encode()
	hub.Publish(data, "peer")
	if pool.Len() != 1 {
		t.Fatalf("pool len = %d after announcement", pool.Len())
	}

	deadline := time.Now().Add(5 * time.Second)
	for pool.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("provider never evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentHandleAndInterval(t *testing.T) {
	tr := New()
	pool := scheduler.New("svc")
	if err := tr.Watch("svc", pool, provider.KindRPC); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				if d := tr.Interval(); d < MinSweepInterval {
					t.Errorf("interval = %v, below floor", d)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Handle(nil, announce("svc", "10.0.0.1", 9000, int64(1000+i)), discovery.Info{})
		}()
	}
	wg.Wait()
	close(stop)
	<-done

	if pool.Len() != 1 {
		t.Errorf("pool len = %d, want one provider per endpoint", pool.Len())
	}
}

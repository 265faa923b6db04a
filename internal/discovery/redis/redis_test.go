package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/discovery"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// testAddr returns the Redis address for integration tests, skipping when unset.
func testAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("ARC_MESH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARC_MESH_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestFactoryConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		be, err := NewFactory(context.Background(), Defaults())
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		b := be.(*Backend)
		defer b.Close()
		if b.channel != DefaultChannel {
			t.Errorf("channel = %q", b.channel)
		}
		if got := b.client.Options().Addr; got != "localhost:6379" {
			t.Errorf("addr = %q", got)
		}
	})

	t.Run("url wins", func(t *testing.T) {
		cfg := discovery.MergeConfig(Defaults(), map[string]string{KeyURL: "redis://:secret@cache:6380/3"})
		be, err := NewFactory(context.Background(), cfg)
		if err != nil {
			t.Fatalf("NewFactory: %v", err)
		}
		b := be.(*Backend)
		defer b.Close()
		opts := b.client.Options()
		if opts.Addr != "cache:6380" || opts.DB != 3 || opts.Password != "secret" {
			t.Errorf("opts = %s db=%d", opts.Addr, opts.DB)
		}
	})

	bad := []map[string]string{
		{KeyAddr: ""},
		{KeyDB: "zero"},
		{KeyURL: "http://not-redis"},
		{KeyDialTimeout: "soon"},
	}
	for _, override := range bad {
		_, err := NewFactory(context.Background(), discovery.MergeConfig(Defaults(), override))
		if !errors.Is(err, mesherr.ErrConfig) {
			t.Errorf("config %v: err = %v, want ErrConfig", override, err)
		}
	}
}

func TestSubscribeBeforeStart(t *testing.T) {
	be, _ := NewFactory(context.Background(), Defaults())
	defer be.Close()
	err := be.Subscribe(context.Background(), func([]byte, discovery.Info) {})
	if !errors.Is(err, mesherr.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestAnnounceOverRedis(t *testing.T) {
	cfg := discovery.MergeConfig(Defaults(), map[string]string{
		KeyAddr:    testAddr(t),
		KeyChannel: "arc-mesh:test:" + t.Name(),
	})
	be, err := NewFactory(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	d := discovery.New(be, discovery.Options{Interval: 50 * time.Millisecond})
	defer d.Stop()

	got := make(chan *provider.Announcement, 8)
	err = d.Listen(context.Background(), nil, func(err error, ann *provider.Announcement, _ discovery.Info) {
		if err == nil {
			select {
			case got <- ann:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ann := &provider.Announcement{
		Name: "svc", Host: "10.0.0.1", ID: "a",
		RPC: &provider.RPCDescriptor{Type: "tcp", Port: 9000},
	}
	if _, err := d.Announce(context.Background(), ann, 0); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case a := <-got:
		if a.ID != "a" {
			t.Errorf("id = %q", a.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no announcement received")
	}
}

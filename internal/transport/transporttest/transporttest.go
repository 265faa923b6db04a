// Package transporttest provides a recording client handler and link
// lifecycle checks shared by the adapter tests.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Bye makes a Hangup server close the peer that sent it.
const Bye = "bye"

// Settle is how long checks wait for a second notification that must not come.
const Settle = 200 * time.Millisecond

// Hangup echoes frames back and closes the peer on Bye.
type Hangup struct{}

func (Hangup) HandleFrame(ctx context.Context, peer transport.Peer, frame []byte) {
	if string(frame) == Bye {
		_ = peer.Close()
		return
	}
	_ = peer.Send(ctx, frame)
}

// Client records what a transport.ClientHandler receives.
type Client struct {
	Frames chan []byte

	disconnects atomic.Int32
	gone        chan struct{}
}

// NewClient returns a Client buffering up to 16 frames.
func NewClient() *Client {
	return &Client{Frames: make(chan []byte, 16), gone: make(chan struct{})}
}

func (c *Client) HandleFrame(_ *provider.Provider, frame []byte) {
	select {
	case c.Frames <- frame:
	default:
	}
}

func (c *Client) ProviderDisconnected(*provider.Provider) {
	if c.disconnects.Add(1) == 1 {
		close(c.gone)
	}
}

// Disconnects returns how many times the provider was reported gone.
func (c *Client) Disconnects() int { return int(c.disconnects.Load()) }

// Gone is closed on the first disconnect.
func (c *Client) Gone() <-chan struct{} { return c.gone }

// ConnectConcurrently dials p n times at once through a and requires every
// dial to succeed with a single link left installed.
func ConnectConcurrently(t testing.TB, a transport.Adapter, p *provider.Provider, kind provider.Kind, c *Client, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Connect(ctx, p, kind, c)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if p.Link() == nil {
		t.Fatal("no link installed after concurrent connects")
	}
}

// ExpectSingleDisconnect asks the server to hang up on p's link and checks
// the death is reported exactly once and the link is cleared.
func ExpectSingleDisconnect(t testing.TB, c *Client, p *provider.Provider) {
	t.Helper()
	link := p.Link()
	if link == nil {
		t.Fatal("provider has no link")
	}
	if err := link.Send(context.Background(), []byte(Bye)); err != nil {
		t.Fatalf("send bye: %v", err)
	}

	select {
	case <-c.Gone():
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported after the server hung up")
	}
	time.Sleep(Settle)
	if n := c.Disconnects(); n != 1 {
		t.Errorf("ProviderDisconnected called %d times, want 1", n)
	}
	if p.Link() != nil {
		t.Error("link still installed after disconnect")
	}
}

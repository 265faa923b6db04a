package discovery

import (
	"context"
	"sync"
	"time"
)

func init() {
	Register("memory", func(context.Context, map[string]string) (Backend, error) {
		return defaultHub.Backend("memory"), nil
	}, nil)
}

var defaultHub = NewHub()

// Hub is an in-process bus: every backend attached to it sees every payload
// published by any of them, including its own.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func([]byte, Info)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func([]byte, Info))}
}

// Backend attaches a new backend to the hub. source is reported as
// Info.Source to receivers.
func (h *Hub) Backend(source string) Backend {
	return &memoryBackend{hub: h, source: source}
}

// Publish delivers payload to every subscriber synchronously.
func (h *Hub) Publish(payload []byte, source string) {
	h.mu.RLock()
	subs := make([]func([]byte, Info), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	info := Info{Backend: "memory", Source: source, ReceivedAt: time.Now()}
	for _, fn := range subs {
		fn(append([]byte(nil), payload...), info)
	}
}

func (h *Hub) subscribe(fn func([]byte, Info)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type memoryBackend struct {
	hub    *Hub
	source string

	mu     sync.Mutex
	closed bool
	unsubs []func()
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Publish(_ context.Context, payload []byte) error {
	b.hub.Publish(payload, b.source)
	return nil
}

func (b *memoryBackend) Subscribe(ctx context.Context, fn func([]byte, Info)) error {
	unsub := b.hub.subscribe(fn)
	context.AfterFunc(ctx, unsub)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		unsub()
		return nil
	}
	b.unsubs = append(b.unsubs, unsub)
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
	return nil
}

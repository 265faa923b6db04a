package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Handler runs one inbound call.
type Handler func(ctx context.Context, call *Call)

// Call is one inbound invocation.
type Call struct {
	Name string
	Args []json.RawMessage
	// Peer identifies the link the call arrived on.
	Peer string

	reply func(args ...any) error
}

// Bind decodes the call arguments positionally into dst.
func (c *Call) Bind(dst ...any) error {
	return bindArgs(c.Args, dst)
}

// ExpectsReply reports whether the caller asked for a reply.
func (c *Call) ExpectsReply() bool { return c.reply != nil }

// Reply answers the caller. It succeeds at most once per call and is a
// no-op when no reply was requested.
func (c *Call) Reply(args ...any) error {
	if c.reply == nil {
		return nil
	}
	return c.reply(args...)
}

type proc struct {
	args    []string
	handler Handler
}

// Registry maps procedure names to handlers. It is read-only once frozen.
type Registry struct {
	mu     sync.RWMutex
	procs  map[string]proc
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]proc)}
}

// Register binds name to h. argNames documents the argument shape and is
// published in announcements.
func (r *Registry) Register(name string, argNames []string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: procedure needs a name and a handler", mesherr.ErrConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: registry is frozen, cannot add %q", mesherr.ErrConfig, name)
	}
	if _, dup := r.procs[name]; dup {
		return fmt.Errorf("%w: procedure %q registered twice", mesherr.ErrConfig, name)
	}
	r.procs[name] = proc{args: append([]string(nil), argNames...), handler: h}
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(name string, argNames []string, h Handler) {
	if err := r.Register(name, argNames, h); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (proc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Names lists registered procedures in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// API describes the registry for an announcement.
func (r *Registry) API() map[string]provider.ProcSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]provider.ProcSpec, len(r.procs))
	for n, p := range r.procs {
		args := p.args
		if args == nil {
			args = []string{}
		}
		out[n] = provider.ProcSpec{Args: args}
	}
	return out
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

var (
	// ErrReservedName is returned at setup when a namespace event or a
	// service method uses a name the channel layer keeps for itself. It
	// matches mesherr.ErrConfig.
	ErrReservedName = fmt.Errorf("%w: reserved channel name", mesherr.ErrConfig)

	ErrUnknownNamespace = errors.New("channel: unknown namespace")
	ErrNotSubscribed    = errors.New("channel: connection not joined")
	ErrAlreadyReplied   = errors.New("channel: reply already sent")
	ErrNoReply          = errors.New("channel: request does not expect a reply")
)

// ReservedNames collide with pub/sub primitives, hook names or the
// accessors of the owning service.
var ReservedNames = []string{
	"pub", "sub", "publish", "subscribe", "request", "reply",
	"pubChn", "pubSid",
	"auth", "join", "allow", "left", "error",
	"adapter", "scheduler", "transport", "service",
}

// IsReserved reports whether name is reserved. Case is ignored.
func IsReserved(name string) bool {
	for _, r := range ReservedNames {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

// AuthFunc authenticates a connection for a namespace. meta carries the
// connection id, transport cookie and any session blob the client presented.
// Calling next with a non-nil session authenticates; never calling it
// declines.
type AuthFunc func(ctx context.Context, meta Meta, next func(sess *Session, blob string))

// JoinFunc admits a session to channel chn. next receives the events the
// session may request (rep) and the events it receives by subscription (sub).
type JoinFunc func(ctx context.Context, sess *Session, chn string, next func(rep, sub []string))

// AllowFunc gates one request. Not calling next drops that request only.
type AllowFunc func(ctx context.Context, sess *Session, chn, event string, next func())

// LeftFunc is told when a session leaves chn, by request or disconnect.
type LeftFunc func(sess *Session, chn, reason string)

// ErrorFunc receives hook and handler failures.
type ErrorFunc func(err error)

// Handler serves one request event. svc is the owning service, so handlers
// can publish back into channels.
type Handler func(ctx context.Context, svc Publisher, req *Request)

// Publisher pushes events to subscribers, bypassing scheduling.
type Publisher interface {
	// Pub sends to every subscriber of every channel in ns.
	Pub(ns, event string, args ...any) error
	// PubChn sends to every subscriber of chn in ns.
	PubChn(ns, chn, event string, args ...any) error
	// PubSid sends to one connection joined to chn in ns.
	PubSid(ns, chn, sid, event string, args ...any) error
}

// Namespace is a named message scope with handshake hooks and request
// handlers. Auth and Join are required. A nil Allow permits every event in
// the session's rep list.
type Namespace struct {
	Name   string
	Auth   AuthFunc
	Join   JoinFunc
	Allow  AllowFunc
	Left   LeftFunc
	Error  ErrorFunc
	Events map[string]Handler
}

// RepEvents lists the namespace's request events for announcements.
func (n *Namespace) RepEvents() []string {
	return sortedKeys(n.Events)
}

func (n *Namespace) left(sess *Session, chn, reason string) {
	if n.Left != nil {
		n.Left(sess, chn, reason)
	}
}

// Request is one request event delivered to a Handler.
type Request struct {
	Session *Session
	NS      string
	Channel string
	Event   string
	Args    []json.RawMessage
	// SID is the requesting connection, usable with PubSid.
	SID string

	reply func(args ...any) error
}

// ExpectsReply reports whether the requester asked for a reply.
func (r *Request) ExpectsReply() bool { return r.reply != nil }

// Reply answers the request. Only the first call is sent.
func (r *Request) Reply(args ...any) error {
	if r.reply == nil {
		return ErrNoReply
	}
	return r.reply(args...)
}

// Bind decodes the request payload positionally into dst.
func (r *Request) Bind(dst ...any) error {
	for i, d := range dst {
		if i >= len(r.Args) {
			return fmt.Errorf("missing arg %d", i)
		}
		if err := json.Unmarshal(r.Args[i], d); err != nil {
			return fmt.Errorf("decode arg %d: %w", i, err)
		}
	}
	return nil
}

func onceReply(send func(args ...any) error) func(args ...any) error {
	var done atomic.Bool
	return func(args ...any) error {
		if !done.CompareAndSwap(false, true) {
			return ErrAlreadyReplied
		}
		return send(args...)
	}
}

// validate checks hooks and names before anything is bound.
func validate(spaces []*Namespace, methods map[string]Handler) (map[string]*Namespace, error) {
	for name := range methods {
		if IsReserved(name) {
			return nil, fmt.Errorf("%w: service method %q", ErrReservedName, name)
		}
	}
	out := make(map[string]*Namespace, len(spaces))
	for _, ns := range spaces {
		if ns == nil || ns.Name == "" {
			return nil, fmt.Errorf("%w: namespace without a name", mesherr.ErrConfig)
		}
		if _, dup := out[ns.Name]; dup {
			return nil, fmt.Errorf("%w: namespace %q defined twice", mesherr.ErrConfig, ns.Name)
		}
		if ns.Auth == nil || ns.Join == nil {
			return nil, fmt.Errorf("%w: namespace %q needs auth and join hooks", mesherr.ErrConfig, ns.Name)
		}
		for event, h := range ns.Events {
			if IsReserved(event) {
				return nil, fmt.Errorf("%w: namespace %q event %q", ErrReservedName, ns.Name, event)
			}
			if h == nil {
				return nil, fmt.Errorf("%w: namespace %q event %q has no handler", mesherr.ErrConfig, ns.Name, event)
			}
		}
		out[ns.Name] = ns
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no namespaces", mesherr.ErrConfig)
	}
	return out, nil
}

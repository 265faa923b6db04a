// Package middleware runs ordered hooks around procedure dispatch.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrRejected is the error marker a server sends when a pre-hook refuses
// a call.
const ErrRejected = "rejected"

// CallInfo describes the call being dispatched.
type CallInfo struct {
	Name  string
	Peer  string
	Reply bool
	// Err is set for post-hooks when the handler panicked.
	Err error
}

// Hook processes a call. A pre-hook returning an error rejects the call.
type Hook func(ctx context.Context, info *CallInfo) (context.Context, error)

// Chain holds ordered pre and post hooks.
type Chain struct {
	Pre  []Hook
	Post []Hook
}

// RunPre executes pre-hooks in order. Stops on first error.
func (c *Chain) RunPre(ctx context.Context, info *CallInfo) (context.Context, error) {
	if c == nil {
		return ctx, nil
	}
	return run(ctx, c.Pre, info)
}

// RunPost executes post-hooks in order. Stops on first error.
func (c *Chain) RunPost(ctx context.Context, info *CallInfo) (context.Context, error) {
	if c == nil {
		return ctx, nil
	}
	return run(ctx, c.Post, info)
}

func run(ctx context.Context, hooks []Hook, info *CallInfo) (context.Context, error) {
	for _, h := range hooks {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

var errDenied = errors.New("procedure denied")

// Deny rejects calls to the named procedures. Case is ignored.
func Deny(names ...string) Hook {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return func(ctx context.Context, info *CallInfo) (context.Context, error) {
		if _, ok := set[strings.ToLower(info.Name)]; ok {
			return ctx, errDenied
		}
		return ctx, nil
	}
}

type startKey struct{}

// Logging returns a pre/post pair that logs each call with its duration.
func Logging(log *slog.Logger) (pre, post Hook) {
	pre = func(ctx context.Context, _ *CallInfo) (context.Context, error) {
		return context.WithValue(ctx, startKey{}, time.Now()), nil
	}
	post = func(ctx context.Context, info *CallInfo) (context.Context, error) {
		attrs := []any{"name", info.Name, "peer", info.Peer}
		if start, ok := ctx.Value(startKey{}).(time.Time); ok {
			attrs = append(attrs, "duration", time.Since(start))
		}
		if info.Err != nil {
			log.Warn("call failed", append(attrs, "error", info.Err)...)
			return ctx, nil
		}
		log.Debug("call", attrs...)
		return ctx, nil
	}
	return pre, post
}

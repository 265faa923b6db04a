package main

import (
	"context"
	"log/slog"

	"github.com/gezibash/arc-mesh/internal/channel"
	"github.com/gezibash/arc-mesh/internal/config"
)

// sessionAuth admits every client. With a session key configured, a
// returning client's sealed session is reopened and new sessions are
// handed back sealed.
func sessionAuth(cfg config.Config) (channel.AuthFunc, error) {
	key, err := cfg.Channel.Key()
	if err != nil {
		return nil, err
	}
	var sealer *channel.Sealer
	if key != nil {
		if sealer, err = channel.NewSealer(key); err != nil {
			return nil, err
		}
	}

	return func(_ context.Context, meta channel.Meta, next func(*channel.Session, string)) {
		if sealer == nil {
			next(channel.NewSession(map[string]string{"cookie": meta.Cookie}), "")
			return
		}
		if meta.Session != "" {
			if sess, err := sealer.Open(meta.Session); err == nil {
				next(sess, meta.Session)
				return
			}
			slog.Debug("discarding unreadable session", "conn", meta.ConnID)
		}
		sess := channel.NewSession(map[string]string{"cookie": meta.Cookie})
		blob, err := sealer.Seal(sess)
		if err != nil {
			slog.Warn("seal session", "error", err)
			return
		}
		next(sess, blob)
	}, nil
}

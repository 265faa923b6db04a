package channel

import (
	"context"
	"log/slog"
	"time"
)

const (
	ReapInterval = 10 * time.Second
	StallTimeout = 30 * time.Second // queue full and no progress
	IdleTimeout  = 5 * time.Minute  // no inbound frames
)

// Reaper disconnects stalled or idle connections.
type Reaper struct {
	table      *Table
	interval   time.Duration
	stallTime  time.Duration
	idleTime   time.Duration
	disconnect func(c *Conn, reason string)
	log        *slog.Logger
}

// NewReaper creates a reaper. Zero durations take the defaults; a negative
// idle timeout disables idle reaping.
func NewReaper(table *Table, interval, stall, idle time.Duration, disconnect func(c *Conn, reason string)) *Reaper {
	if interval <= 0 {
		interval = ReapInterval
	}
	if stall <= 0 {
		stall = StallTimeout
	}
	if idle == 0 {
		idle = IdleTimeout
	}
	return &Reaper{
		table:      table,
		interval:   interval,
		stallTime:  stall,
		idleTime:   idle,
		disconnect: disconnect,
		log:        slog.Default().With("component", "channel", "role", "reaper"),
	}
}

// Run reaps until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(time.Now())
		}
	}
}

func (r *Reaper) reap(now time.Time) int {
	n := 0
	for _, c := range r.table.All() {
		if c.IsClosed() {
			continue
		}

		if c.QueueFull() {
			if lastSend := c.LastSend(); now.Sub(lastSend) > r.stallTime {
				r.log.Warn("disconnecting stalled connection", "conn", c.ID(), "last_send", lastSend)
				r.disconnect(c, "stalled")
				n++
				continue
			}
		}

		// trusted links are kept up by transport heartbeats
		if r.idleTime < 0 || c.Trusted() {
			continue
		}
		if lastRecv := c.LastRecv(); now.Sub(lastRecv) > r.idleTime {
			r.log.Info("disconnecting idle connection", "conn", c.ID(), "last_recv", lastRecv)
			r.disconnect(c, "idle")
			n++
		}
	}
	return n
}

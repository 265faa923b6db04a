package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Heartbeat judges a link dead when nothing has been heard for the grace
// period, probing it every interval. onDead fires exactly once.
type Heartbeat struct {
	interval time.Duration
	grace    time.Duration
	probe    func() error
	onDead   func(error)

	lastSeen atomic.Int64
	once     sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

// StartHeartbeat begins probing. probe may be nil on the passive side, which
// then only watches for inbound activity.
func StartHeartbeat(interval, grace time.Duration, probe func() error, onDead func(error)) *Heartbeat {
	h := &Heartbeat{
		interval: interval,
		grace:    grace,
		probe:    probe,
		onDead:   onDead,
		stop:     make(chan struct{}),
	}
	h.Seen()
	go h.run()
	return h
}

// Seen records inbound activity.
func (h *Heartbeat) Seen() {
	h.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound activity.
func (h *Heartbeat) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// Fail marks the link dead with err. Only the first call has an effect.
func (h *Heartbeat) Fail(err error) {
	h.Stop()
	h.once.Do(func() {
		if h.onDead != nil {
			h.onDead(err)
		}
	})
}

// Abandon stops probing and disarms onDead, for a link that is discarded
// before anyone used it.
func (h *Heartbeat) Abandon() {
	h.Stop()
	h.once.Do(func() {})
}

// Stop ends probing without declaring the link dead.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if time.Since(h.LastSeen()) > h.grace {
				h.Fail(ErrHeartbeatTimeout)
				return
			}
			if h.probe != nil {
				if err := h.probe(); err != nil {
					h.Fail(err)
					return
				}
			}
		}
	}
}

package memberlist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// msgAnnounce tags a user message carrying one origin-stamped payload.
const msgAnnounce byte = 1

var errShortMessage = errors.New("short gossip message")

// encodeMessage frames payload as: type | uvarint(len(origin)) | origin | payload.
func encodeMessage(origin string, payload []byte) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(origin)+len(payload))
	buf = append(buf, msgAnnounce)
	buf = binary.AppendUvarint(buf, uint64(len(origin)))
	buf = append(buf, origin...)
	return append(buf, payload...)
}

func decodeMessage(msg []byte) (origin string, payload []byte, err error) {
	if len(msg) < 2 || msg[0] != msgAnnounce {
		return "", nil, errShortMessage
	}
	n, w := binary.Uvarint(msg[1:])
	if w <= 0 || uint64(len(msg)-1-w) < n {
		return "", nil, errShortMessage
	}
	start := 1 + w
	return string(msg[start : start+int(n)]), msg[start+int(n):], nil
}

type stateEntry struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// delegate implements memberlist.Delegate to hook announcements into gossip.
type delegate struct {
	backend *Backend
}

var _ memberlist.Delegate = (*delegate)(nil)

// NodeMeta is unused; announcements carry everything.
func (d *delegate) NodeMeta(limit int) []byte { return nil }

// NotifyMsg is called when a user-data message is received (broadcasts).
// Must not block.
func (d *delegate) NotifyMsg(msg []byte) {
	if len(msg) == 0 {
		return
	}
	origin, payload, err := decodeMessage(msg)
	if err != nil {
		d.backend.log.Debug("unknown gossip message", "type", msg[0], "error", err)
		return
	}
	if origin == d.backend.localName {
		return
	}
	d.backend.deliver(append([]byte(nil), payload...), origin)
}

// GetBroadcasts returns queued broadcasts (called by memberlist protocol).
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.backend.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState returns recently published payloads for push/pull sync.
func (d *delegate) LocalState(join bool) []byte {
	keys := d.backend.recent.Keys()
	entries := make([]stateEntry, 0, len(keys))
	for _, k := range keys {
		if p, ok := d.backend.recent.Peek(k); ok {
			entries = append(entries, stateEntry{Origin: d.backend.localName, Payload: p})
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil
	}
	return data
}

// MergeRemoteState replays a remote node's recent payloads to subscribers.
func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var entries []stateEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		d.backend.log.Warn("merge remote state failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.Origin == d.backend.localName {
			continue
		}
		d.backend.deliver(e.Payload, e.Origin)
	}
}

// eventDelegate logs membership changes. Provider liveness is driven by
// announcement timeouts, not by membership.
type eventDelegate struct {
	log *slog.Logger
}

var _ memberlist.EventDelegate = (*eventDelegate)(nil)

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	e.log.Info("node joined", "node", node.Name, "addr", node.Address())
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	e.log.Info("node left", "node", node.Name, "addr", node.Address())
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.log.Debug("node updated", "node", node.Name)
}

// pingDelegate implements memberlist.PingDelegate to track RTT from SWIM probes.
type pingDelegate struct {
	mu        sync.RWMutex
	latencies map[string]time.Duration // nodeName → RTT
}

var _ memberlist.PingDelegate = (*pingDelegate)(nil)

func newPingDelegate() *pingDelegate {
	return &pingDelegate{latencies: make(map[string]time.Duration)}
}

func (p *pingDelegate) AckPayload() []byte { return nil }

func (p *pingDelegate) NotifyPingComplete(node *memberlist.Node, rtt time.Duration, _ []byte) {
	p.mu.Lock()
	p.latencies[node.Name] = rtt
	p.mu.Unlock()
}

// RTT returns the last measured RTT to a node, or 0 if not yet measured.
func (p *pingDelegate) RTT(nodeName string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latencies[nodeName]
}

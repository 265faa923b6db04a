package channel

import (
	"encoding/json"
	"sync"
)

// route is how a publication reaches one member of a channel: directly
// over the member's own connection, or through the gateway link that
// carries it.
type route struct {
	conn    *Conn
	sid     string
	session *Session
	rep     map[string]struct{}
	sub     map[string]struct{}
}

type chanKey struct{ ns, chn string }

// subscriptions maps (namespace, channel) to members keyed by sid.
type subscriptions struct {
	mu     sync.RWMutex
	byChan map[chanKey]map[string]*route
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byChan: make(map[chanKey]map[string]*route)}
}

func (s *subscriptions) add(ns, chn string, r *route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chanKey{ns, chn}
	members := s.byChan[k]
	if members == nil {
		members = make(map[string]*route)
		s.byChan[k] = members
	}
	members[r.sid] = r
}

func (s *subscriptions) remove(ns, chn, sid string) *route {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chanKey{ns, chn}
	r := s.byChan[k][sid]
	if r == nil {
		return nil
	}
	delete(s.byChan[k], sid)
	if len(s.byChan[k]) == 0 {
		delete(s.byChan, k)
	}
	return r
}

type removedRoute struct {
	ns, chn string
	r       *route
}

// removeConn drops every route carried by conn.
func (s *subscriptions) removeConn(conn *Conn) []removedRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []removedRoute
	for k, members := range s.byChan {
		for sid, r := range members {
			if r.conn != conn {
				continue
			}
			delete(members, sid)
			out = append(out, removedRoute{ns: k.ns, chn: k.chn, r: r})
		}
		if len(members) == 0 {
			delete(s.byChan, k)
		}
	}
	return out
}

func (s *subscriptions) get(ns, chn, sid string) *route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byChan[chanKey{ns, chn}][sid]
}

func (s *subscriptions) channel(ns, chn string) []*route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.byChan[chanKey{ns, chn}]
	out := make([]*route, 0, len(members))
	for _, r := range members {
		out = append(out, r)
	}
	return out
}

// namespace returns the members of every channel in ns.
func (s *subscriptions) namespace(ns string) map[string][]*route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*route)
	for k, members := range s.byChan {
		if k.ns != ns {
			continue
		}
		for _, r := range members {
			out[k.chn] = append(out[k.chn], r)
		}
	}
	return out
}

func (s *subscriptions) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, members := range s.byChan {
		n += len(members)
	}
	return n
}

// deliver sends a PUB to every route subscribed to event. Members behind
// the same gateway link share one frame; the gateway fans it out. It
// returns the number of frames queued.
func deliver(ns, chn, event string, payload []json.RawMessage, routes []*route) (int, error) {
	frame, err := (&Message{Type: TypePub, Event: event, NS: ns, Chn: chn, Payload: payload}).Encode()
	if err != nil {
		return 0, err
	}
	sent := make(map[*Conn]bool, len(routes))
	n := 0
	for _, r := range routes {
		if !has(r.sub, event) || sent[r.conn] {
			continue
		}
		sent[r.conn] = true
		if r.conn.Send(frame) {
			n++
		}
	}
	return n, nil
}

// Package channel implements namespaced publish/subscribe between untrusted
// clients and backend processes. Clients walk an auth, join and allow
// handshake per namespace before any event handler runs for them. A Service
// owns namespaces and their handlers; a Gateway runs the same handshake at
// the edge and bridges requests and publications to Services over a
// transport adapter.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Type is the message class.
type Type string

const (
	TypeInfo    Type = "INFO"
	TypeRequest Type = "REQUEST"
	TypeReply   Type = "REPLY"
	TypePub     Type = "PUB"
)

// INFO events.
const (
	EventAuth  = "AUTH"
	EventAck   = "ACK"
	EventJoin  = "JOIN"
	EventLeave = "LVE"
	EventErr   = "ERR"
)

var ErrMalformedMessage = errors.New("channel: malformed message")

// Meta is the control block of INFO messages.
type Meta struct {
	ConnID    string   `json:"connId,omitempty"`
	Cookie    string   `json:"cookie,omitempty"`
	Session   string   `json:"session,omitempty"` // sealed session blob
	RepEvents []string `json:"repEvents,omitempty"`
	SubEvents []string `json:"subEvents,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Message is the single frame shape on both client and backend links.
//
// ID is the request id chosen by the requester; replies echo it. SID names
// the client connection a gateway is acting for. Session travels only on
// gateway to backend links.
type Message struct {
	Type    Type              `json:"type"`
	Event   string            `json:"event,omitempty"`
	NS      string            `json:"ns,omitempty"`
	Chn     string            `json:"chn,omitempty"`
	ID      uint64            `json:"id,omitempty"`
	SID     string            `json:"sid,omitempty"`
	Meta    *Meta             `json:"meta,omitempty"`
	Session *Session          `json:"session,omitempty"`
	Payload []json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals m.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and sanity-checks a frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Type {
	case TypeInfo, TypeReply, TypePub:
	case TypeRequest:
		if m.Event == "" {
			return nil, fmt.Errorf("%w: request without event", ErrMalformedMessage)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	if m.NS == "" {
		return nil, fmt.Errorf("%w: missing namespace", ErrMalformedMessage)
	}
	return &m, nil
}

func encodePayload(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode payload %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

func set(events []string) map[string]struct{} {
	out := make(map[string]struct{}, len(events))
	for _, e := range events {
		out[e] = struct{}{}
	}
	return out
}

func has(s map[string]struct{}, k string) bool {
	_, ok := s[k]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

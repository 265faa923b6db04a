// Package rpc binds named procedures to a transport adapter. A Server
// dispatches inbound envelopes to registered handlers; a Client turns local
// calls into envelopes sent to a provider picked by a scheduler pool, and
// correlates replies back to per-call callbacks.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is the error marker carried by strict servers for unknown
// procedure names.
const ErrNotFound = "not_found"

var (
	ErrAlreadyReplied = errors.New("rpc: reply already sent")
	ErrNoProvider     = errors.New("rpc: no provider available")
	ErrNoLink         = errors.New("rpc: provider has no live link")
)

// message is the frame exchanged on a link. Requests carry Name and, when a
// reply is expected, a non-zero CID. Replies carry RID.
type message struct {
	Name  string            `json:"name,omitempty"`
	Args  []json.RawMessage `json:"args"`
	CID   uint64            `json:"cid,omitempty"`
	RID   uint64            `json:"rid,omitempty"`
	Error string            `json:"error,omitempty"`
}

func (m *message) isReply() bool { return m.RID != 0 }

func encodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

func bindArgs(args []json.RawMessage, dst []any) error {
	for i, d := range dst {
		if i >= len(args) {
			return fmt.Errorf("missing arg %d", i)
		}
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("decode arg %d: %w", i, err)
		}
	}
	return nil
}

// Reply is what a call's callback receives.
type Reply struct {
	Args []json.RawMessage
	// Err is set when the server answered with an error marker.
	Err string
}

// Bind decodes the reply arguments positionally into dst.
func (r *Reply) Bind(dst ...any) error {
	return bindArgs(r.Args, dst)
}

// Callback receives the single reply to a call.
type Callback func(*Reply)

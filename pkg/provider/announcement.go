package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTimeout is the freshness window stamped on announcements that do not set one.
const DefaultTimeout = 6 * time.Second

// ProcSpec documents one exported procedure.
type ProcSpec struct {
	Args []string `json:"args"`
}

// NamespaceSpec lists the request/reply events of one channel namespace.
type NamespaceSpec struct {
	RepEvents []string `json:"repEvents"`
}

// RPCDescriptor is the rpc section of an announcement.
type RPCDescriptor struct {
	Type string              `json:"type"`
	Port int                 `json:"port"`
	API  map[string]ProcSpec `json:"api"`
}

// ChannelDescriptor is the channel section of an announcement.
type ChannelDescriptor struct {
	Type       string                   `json:"type,omitempty"`
	Endpoint   int                      `json:"endpoint"`
	Namespaces map[string]NamespaceSpec `json:"namespaces"`
}

// Announcement is the capability snapshot broadcast over discovery.
type Announcement struct {
	Name    string             `json:"name"`
	Version string             `json:"version"`
	Host    string             `json:"host"`
	RPC     *RPCDescriptor     `json:"rpc,omitempty"`
	Channel *ChannelDescriptor `json:"channel,omitempty"`
	ID      string             `json:"id"`
	Timeout int64              `json:"timeout"` // milliseconds
}

// TimeoutDuration returns the announced freshness window.
func (a *Announcement) TimeoutDuration() time.Duration {
	if a.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(a.Timeout) * time.Millisecond
}

// Validate checks the fields every consumer relies on.
func (a *Announcement) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("announcement: missing name")
	}
	if a.Host == "" {
		return fmt.Errorf("announcement %q: missing host", a.Name)
	}
	if a.ID == "" {
		return fmt.Errorf("announcement %q: missing id", a.Name)
	}
	if a.RPC == nil && a.Channel == nil {
		return fmt.Errorf("announcement %q: no rpc or channel endpoint", a.Name)
	}
	return nil
}

// Encode serializes the announcement to its JSON wire form.
func (a *Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement parses and validates a wire payload.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// FromAnnouncement builds a provider record stamped as seen at now.
// If host is empty, fallback (typically the datagram source) is used.
func FromAnnouncement(a *Announcement, fallbackHost string, now time.Time) *Provider {
	host := a.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = fallbackHost
	}
	p := &Provider{
		ID:      a.ID,
		Name:    a.Name,
		Version: a.Version,
		Host:    host,
		Timeout: a.TimeoutDuration(),
	}
	if a.RPC != nil {
		p.RPC = &Endpoint{Type: a.RPC.Type, Port: a.RPC.Port}
		p.API = a.RPC.API
	}
	if a.Channel != nil {
		p.Channel = &Endpoint{Type: a.Channel.Type, Port: a.Channel.Endpoint}
		p.Namespaces = a.Channel.Namespaces
	}
	p.lastSeen = now
	return p
}

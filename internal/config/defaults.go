// Package config loads arc-mesh process configuration from flags,
// environment and an optional config file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. ARC_MESH_DISCOVERY_BACKEND.
const EnvPrefix = "ARC_MESH"

// Defaults contains default values shared by every arc-mesh command.
var Defaults = struct {
	Host              string
	DiscoveryBackend  string
	DiscoveryInterval time.Duration
	RPCTransport      string
	ChannelTransport  string
	PublicTransport   string
	ProbeInterval     time.Duration
	Grace             time.Duration
	DialTimeout       time.Duration
	MaxFrameSize      int
	NATSURL           string
	SendQueue         int
	Inbox             int
	MaxPending        int
	ReapInterval      time.Duration
	StallTimeout      time.Duration
	IdleTimeout       time.Duration
	Timeout           time.Duration
	LogLevel          string
	LogFormat         string
	MetricsAddr       string
}{
	Host:              "127.0.0.1",
	DiscoveryBackend:  "multicast",
	DiscoveryInterval: 2 * time.Second,
	RPCTransport:      "tcp",
	ChannelTransport:  "tcp",
	PublicTransport:   "websocket",
	ProbeInterval:     500 * time.Millisecond,
	Grace:             3 * time.Second,
	DialTimeout:       5 * time.Second,
	MaxFrameSize:      16 << 20,
	NATSURL:           "nats://127.0.0.1:4222",
	SendQueue:         100,
	Inbox:             256,
	MaxPending:        4096,
	ReapInterval:      10 * time.Second,
	StallTimeout:      30 * time.Second,
	IdleTimeout:       5 * time.Minute,
	Timeout:           6 * time.Second,
	LogLevel:          "info",
	LogFormat:         "auto",
	MetricsAddr:       "",
}

// DefaultConfigDir returns ~/.arc-mesh.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-mesh"
	}
	return filepath.Join(home, ".arc-mesh")
}

package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gezibash/arc-mesh/internal/transport"
	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the merged configuration of one arc-mesh process.
type Config struct {
	Name          string              `mapstructure:"name"`
	Version       string              `mapstructure:"version"`
	Host          string              `mapstructure:"host"`
	Bind          string              `mapstructure:"bind"`
	Timeout       time.Duration       `mapstructure:"timeout"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Channel       ChannelConfig       `mapstructure:"channel"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// BackendConfig selects a registered backend and passes it a flat
// key/value configuration.
type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type DiscoveryConfig struct {
	BackendConfig `mapstructure:",squash"`
	Interval      time.Duration `mapstructure:"interval"`
}

// TransportConfig names the adapter serving each endpoint and the shared
// link settings.
type TransportConfig struct {
	RPC           string        `mapstructure:"rpc"`
	Channel       string        `mapstructure:"channel"`
	Public        string        `mapstructure:"public"`
	RPCPort       int           `mapstructure:"rpc_port"`
	ChannelPort   int           `mapstructure:"channel_port"`
	PublicPort    int           `mapstructure:"public_port"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Grace         time.Duration `mapstructure:"grace"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	MaxFrameSize  int           `mapstructure:"max_frame_size"`
	NATSURL       string        `mapstructure:"nats_url"`
}

// Options converts the link settings for the transport registry.
func (t TransportConfig) Options() transport.Options {
	return transport.Options{
		ProbeInterval: t.ProbeInterval,
		Grace:         t.Grace,
		DialTimeout:   t.DialTimeout,
		MaxFrameSize:  t.MaxFrameSize,
		NATSURL:       t.NATSURL,
	}
}

type ChannelConfig struct {
	// SessionKey is a base64 encoded 32-byte key for sealing sessions.
	SessionKey   string        `mapstructure:"session_key"`
	SendQueue    int           `mapstructure:"send_queue"`
	Inbox        int           `mapstructure:"inbox"`
	MaxPending   int           `mapstructure:"max_pending"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Key decodes SessionKey. An empty key returns nil.
func (c ChannelConfig) Key() ([]byte, error) {
	if c.SessionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: channel.session_key: %v", mesherr.ErrConfig, err)
	}
	return key, nil
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// Validate checks the fields every command relies on.
func (c Config) Validate() error {
	if c.Discovery.Backend == "" {
		return fmt.Errorf("%w: discovery.backend is required", mesherr.ErrConfig)
	}
	if c.Timeout < 0 || c.Discovery.Interval < 0 {
		return fmt.Errorf("%w: negative timeout or interval", mesherr.ErrConfig)
	}
	for name, port := range map[string]int{
		"transport.rpc_port":     c.Transport.RPCPort,
		"transport.channel_port": c.Transport.ChannelPort,
		"transport.public_port":  c.Transport.PublicPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", mesherr.ErrConfig, name, port)
		}
	}
	if _, err := c.Channel.Key(); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", Defaults.Host)
	v.SetDefault("bind", "")
	v.SetDefault("timeout", Defaults.Timeout)

	v.SetDefault("discovery.backend", Defaults.DiscoveryBackend)
	v.SetDefault("discovery.interval", Defaults.DiscoveryInterval)

	v.SetDefault("transport.rpc", Defaults.RPCTransport)
	v.SetDefault("transport.channel", Defaults.ChannelTransport)
	v.SetDefault("transport.public", Defaults.PublicTransport)
	v.SetDefault("transport.rpc_port", 0)
	v.SetDefault("transport.channel_port", 0)
	v.SetDefault("transport.public_port", 0)
	v.SetDefault("transport.probe_interval", Defaults.ProbeInterval)
	v.SetDefault("transport.grace", Defaults.Grace)
	v.SetDefault("transport.dial_timeout", Defaults.DialTimeout)
	v.SetDefault("transport.max_frame_size", Defaults.MaxFrameSize)
	v.SetDefault("transport.nats_url", Defaults.NATSURL)

	v.SetDefault("channel.session_key", "")
	v.SetDefault("channel.send_queue", Defaults.SendQueue)
	v.SetDefault("channel.inbox", Defaults.Inbox)
	v.SetDefault("channel.max_pending", Defaults.MaxPending)
	v.SetDefault("channel.reap_interval", Defaults.ReapInterval)
	v.SetDefault("channel.stall_timeout", Defaults.StallTimeout)
	v.SetDefault("channel.idle_timeout", Defaults.IdleTimeout)

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", Defaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "arc-mesh")
	v.SetDefault("observability.service_version", "dev")
}

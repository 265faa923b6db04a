package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindCommonFlags binds the flags every command shares to viper.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text)")
	f.String("discovery", "", "discovery backend (multicast, redis, nats, memberlist, memory)")
	f.StringToString("discovery-opt", nil, "discovery backend option key=value (repeatable)")
	f.Duration("interval", 0, "announce interval")

	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("discovery.backend", f.Lookup("discovery"))
	_ = v.BindPFlag("discovery.config", f.Lookup("discovery-opt"))
	_ = v.BindPFlag("discovery.interval", f.Lookup("interval"))
}

// BindServerFlags binds the flags of commands that open endpoints.
func BindServerFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("host", "", "host advertised to peers (default 127.0.0.1)")
	f.String("bind", "", "listen address for every endpoint")
	f.String("rpc-transport", "", "rpc transport (tcp, websocket, grpc, quic, nats)")
	f.String("channel-transport", "", "trusted channel transport")
	f.String("public-transport", "", "client-facing channel transport")
	f.Int("rpc-port", 0, "rpc port (0 picks a free port)")
	f.Int("channel-port", 0, "trusted channel port (0 picks a free port)")
	f.Int("public-port", 0, "client-facing channel port (0 picks a free port)")
	f.String("nats-url", "", "NATS server for the nats transport")
	f.String("metrics-addr", "", "metrics HTTP listen address (empty disables)")

	_ = v.BindPFlag("host", f.Lookup("host"))
	_ = v.BindPFlag("bind", f.Lookup("bind"))
	_ = v.BindPFlag("transport.rpc", f.Lookup("rpc-transport"))
	_ = v.BindPFlag("transport.channel", f.Lookup("channel-transport"))
	_ = v.BindPFlag("transport.public", f.Lookup("public-transport"))
	_ = v.BindPFlag("transport.rpc_port", f.Lookup("rpc-port"))
	_ = v.BindPFlag("transport.channel_port", f.Lookup("channel-port"))
	_ = v.BindPFlag("transport.public_port", f.Lookup("public-port"))
	_ = v.BindPFlag("transport.nats_url", f.Lookup("nats-url"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged and
// validated Config. A missing config file is only an error when
// configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arc-mesh")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultConfigDir())
		v.AddConfigPath("/etc/arc-mesh")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

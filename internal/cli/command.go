package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/pkg/runtime"
	"github.com/spf13/viper"
)

// CommandConfig configures a command built on the runtime.
type CommandConfig struct {
	// Name identifies the command in logs and traces.
	Name string

	// Viper holds the command's bound flags.
	Viper *viper.Viper

	// ConfigFile is an explicit config file; empty searches the defaults.
	ConfigFile string

	// Output is the output format (text, json, markdown).
	Output string

	// Timeout for the command. Zero runs until interrupted.
	Timeout time.Duration

	// Prepare adjusts the loaded config before the runtime is built.
	Prepare func(cfg *config.Config) error

	Extensions []runtime.Extension

	Run func(ctx context.Context, rt *runtime.Runtime, cfg config.Config, out *Output) error
}

// RunCommand loads config, builds the runtime, applies the timeout and
// runs the command. The runtime is closed on return.
func RunCommand(c CommandConfig) error {
	if c.Name == "" {
		return fmt.Errorf("command name required")
	}
	if c.Viper == nil {
		return fmt.Errorf("viper required")
	}
	if c.Run == nil {
		return fmt.Errorf("run function required")
	}

	cfg, err := config.Load(c.Viper, c.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Prepare != nil {
		if err := c.Prepare(&cfg); err != nil {
			return err
		}
	}

	builder := NewBuilder(c.Name, cfg)
	for _, ext := range c.Extensions {
		builder = builder.Use(ext)
	}
	rt, err := builder.Build()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = rt.Close() }()

	ctx := rt.Context()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	return c.Run(ctx, rt, cfg, NewOutput(ParseFormat(c.Output), os.Stdout))
}

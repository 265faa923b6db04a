// Package cli provides the shared plumbing of arc-mesh commands: config
// loading, runtime construction, mesh setup and formatted output.
package cli

import (
	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/pkg/runtime"
)

// NewBuilder creates a runtime builder from the loaded configuration.
// Logs go to stderr so stdout stays clean for command output.
func NewBuilder(name string, cfg config.Config) *runtime.Builder {
	obs := cfg.Observability
	if obs.ServiceVersion == "" || obs.ServiceVersion == "dev" {
		if cfg.Version != "" {
			obs.ServiceVersion = cfg.Version
		}
	}
	return runtime.New(name).Observability(obs)
}

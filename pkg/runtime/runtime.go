// Package runtime provides the process foundation for arc-mesh commands:
// logging, metrics and tracing setup, signal handling and ordered
// shutdown.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gezibash/arc-mesh/internal/config"
	"github.com/gezibash/arc-mesh/internal/observability"
)

// ShutdownTimeout bounds how long Close waits for shutdown handlers.
const ShutdownTimeout = 10 * time.Second

// Extension is a function that extends the runtime with a component.
// Extensions are called in order during Build().
type Extension func(*Runtime) error

// Builder constructs a Runtime.
type Builder struct {
	name      string
	obs       config.ObservabilityConfig
	logWriter io.Writer
	signals   bool

	extensions []Extension
}

// New starts building a runtime for the named process.
func New(name string) *Builder {
	return &Builder{
		name:    name,
		obs:     config.ObservabilityConfig{LogLevel: "info", LogFormat: "auto"},
		signals: true,
	}
}

// Observability sets logging, metrics and tracing configuration.
func (b *Builder) Observability(cfg config.ObservabilityConfig) *Builder {
	b.obs = cfg
	return b
}

// LogWriter sets the output destination for logs. Defaults to os.Stderr.
func (b *Builder) LogWriter(w io.Writer) *Builder {
	b.logWriter = w
	return b
}

// NoSignals leaves SIGINT/SIGTERM alone. Tests use it.
func (b *Builder) NoSignals() *Builder {
	b.signals = false
	return b
}

// Use adds an extension. Extensions are applied in order during Build().
func (b *Builder) Use(ext Extension) *Builder {
	b.extensions = append(b.extensions, ext)
	return b
}

// Build sets up observability, installs signal handling and runs the
// extensions.
func (b *Builder) Build() (*Runtime, error) {
	if b.name == "" {
		return nil, fmt.Errorf("name is required")
	}

	w := b.logWriter
	if w == nil {
		w = os.Stderr
	}
	serviceName := b.obs.ServiceName
	if serviceName == "" || serviceName == "arc-mesh" {
		serviceName = "arc-mesh-" + b.name
	}

	ctx, cancel := context.WithCancel(context.Background())
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       b.obs.LogLevel,
		LogFormat:      b.obs.LogFormat,
		OTLPEndpoint:   b.obs.OTLPEndpoint,
		OTLPProtocol:   b.obs.OTLPProtocol,
		ServiceName:    serviceName,
		ServiceVersion: b.obs.ServiceVersion,
	}, w)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init observability: %w", err)
	}
	log := obs.Logger.With("component", b.name)

	if b.signals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-sigCh:
			case <-ctx.Done():
				signal.Stop(sigCh)
				return
			}
			log.Info("shutting down...")
			cancel()
			<-sigCh
			log.Warn("forced shutdown")
			os.Exit(1)
		}()
	}

	if b.obs.MetricsAddr != "" {
		obs.ServeMetrics(ctx, b.obs.MetricsAddr)
	}

	rt := &Runtime{
		name:   b.name,
		obs:    obs,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, ext := range b.extensions {
		if err := ext(rt); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	return rt, nil
}

// Runtime is the foundation of one arc-mesh process.
type Runtime struct {
	name   string
	obs    *observability.Observability
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// Name returns the process name.
func (r *Runtime) Name() string { return r.name }

// Log returns the process logger.
func (r *Runtime) Log() *slog.Logger { return r.log }

// Metrics returns the process metrics.
func (r *Runtime) Metrics() *observability.Metrics { return r.obs.Metrics }

// SetHealth backs the /health endpoint.
func (r *Runtime) SetHealth(fn func() error) { r.obs.Health = fn }

// CheckHealth runs the health function set with SetHealth. A runtime
// without one is healthy.
func (r *Runtime) CheckHealth() error {
	if r.obs.Health == nil {
		return nil
	}
	return r.obs.Health()
}

// Context returns the lifecycle context (cancelled on shutdown).
func (r *Runtime) Context() context.Context { return r.ctx }

// Shutdown triggers graceful shutdown.
func (r *Runtime) Shutdown() { r.cancel() }

// Wait blocks until shutdown.
func (r *Runtime) Wait() { <-r.ctx.Done() }

// OnClose registers a cleanup function. Cleanups run in reverse order.
func (r *Runtime) OnClose(name string, fn func() error) {
	r.obs.Shutdown.Register(name, func(context.Context) error { return fn() })
}

// Close cancels the context and runs every cleanup.
func (r *Runtime) Close() error {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return r.obs.Close(ctx)
}

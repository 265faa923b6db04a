package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ShutdownCoordinator runs the teardown of a mesh process: handlers
// registered by the runtime for its node, discovery backend, listeners
// and exporters run newest first, exactly once.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []shutdownStep
	done     bool
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// Register adds a step. Steps registered after Shutdown has run are
// executed immediately.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	if !s.done {
		s.handlers = append(s.handlers, shutdownStep{name: name, fn: fn})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := fn(context.Background()); err != nil {
		slog.Warn("late shutdown step failed", "component", "observability", "step", name, "error", err)
	}
}

// Shutdown runs every step in reverse registration order. A failing step
// does not stop the rest; the joined error names each failure.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	steps := s.handlers
	s.handlers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		start := time.Now()
		err := step.fn(ctx)
		if err != nil {
			slog.Error("shutdown step failed", "component", "observability", "step", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		slog.Debug("shutdown step done", "component", "observability", "step", step.name, "elapsed", time.Since(start))
	}
	return errors.Join(errs...)
}

package runtime

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/gezibash/arc-mesh/internal/config"
)

func TestBuildAndClose(t *testing.T) {
	var buf bytes.Buffer
	var order []string
	rt, err := New("gateway").
		Observability(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "json"}).
		LogWriter(&buf).
		NoSignals().
		Use(func(rt *Runtime) error {
			rt.OnClose("first", func() error { order = append(order, "first"); return nil })
			rt.OnClose("second", func() error { order = append(order, "second"); return nil })
			return nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if rt.Metrics() == nil {
		t.Fatal("no metrics")
	}

	rt.Log().Info("hello")
	if !strings.Contains(buf.String(), `"component":"gateway"`) {
		t.Errorf("log line missing component: %s", buf.String())
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-rt.Context().Done():
	default:
		t.Error("context not cancelled")
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("close order = %v, want LIFO", order)
	}
}

func TestBuildRequiresName(t *testing.T) {
	if _, err := New("").NoSignals().Build(); err == nil {
		t.Error("Build without name should fail")
	}
}

func TestExtensionErrorClosesRuntime(t *testing.T) {
	boom := errors.New("boom")
	closed := false
	_, err := New("x").LogWriter(&bytes.Buffer{}).NoSignals().
		Use(func(rt *Runtime) error {
			rt.OnClose("cleanup", func() error { closed = true; return nil })
			return nil
		}).
		Use(func(*Runtime) error { return boom }).
		Build()
	if !errors.Is(err, boom) {
		t.Fatalf("Build = %v, want boom", err)
	}
	if !closed {
		t.Error("earlier extension not cleaned up")
	}
}

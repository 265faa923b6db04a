package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}
	for i := 1; i <= 3; i++ {
		sc.Register(fmt.Sprintf("h%d", i), func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	ran := 0
	sc := &ShutdownCoordinator{}
	sc.Register("transport", func(context.Context) error { ran++; return nil })
	sc.Register("discovery", func(context.Context) error { ran++; return errors.New("fail") })

	err := sc.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "discovery") {
		t.Fatalf("error should name the failing handler: %v", err)
	}
	if ran != 2 {
		t.Fatalf("expected both handlers to run, ran %d", ran)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	var ran atomic.Int32
	sc := &ShutdownCoordinator{}
	sc.Register("node", func(context.Context) error { ran.Add(1); return nil })

	_ = sc.Shutdown(context.Background())
	_ = sc.Shutdown(context.Background())
	if ran.Load() != 1 {
		t.Fatalf("step ran %d times, want 1", ran.Load())
	}

	sc.Register("late", func(context.Context) error { ran.Add(1); return nil })
	if ran.Load() != 2 {
		t.Error("step registered after shutdown should run immediately")
	}
}

func TestInitTracerRejectsUnknownProtocol(t *testing.T) {
	_, _, err := InitTracer(context.Background(), TracerConfig{Endpoint: "localhost:4318", Protocol: "smoke-signal"})
	if err == nil || !strings.Contains(err.Error(), "smoke-signal") {
		t.Fatalf("err = %v, want unknown protocol", err)
	}
}

func TestMetricsHelpers(t *testing.T) {
	m := NewMetrics()

	m.SetPoolSize("echo", 3)
	m.CallDropped("echo", "no_provider")
	m.CallDropped("echo", "no_provider")
	m.RepliesLost("echo", "disconnect", 4)
	m.Dispatched("echo", "ok", time.Millisecond)

	if got := testutil.ToFloat64(m.PoolSize.WithLabelValues("echo")); got != 3 {
		t.Errorf("pool size = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CallsDropped.WithLabelValues("echo", "no_provider")); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RepliesAbandoned.WithLabelValues("echo", "disconnect")); got != 4 {
		t.Errorf("abandoned = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("echo", "ok")); got != 1 {
		t.Errorf("dispatch = %v, want 1", got)
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.SetPoolSize("x", 1)
	m.CallSent("x", "y")
	m.Dispatched("y", "ok", time.Second)
	m.SendDropped()

	op, _ := StartOperation(context.Background(), m, "nil_op")
	op.End(nil)
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)
	logger.Info("hello", "component", "rpc")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["component"] != "rpc" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupLoggerAutoNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "auto", &buf)
	logger.Info("auto")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("auto format on a buffer should be JSON: %s", buf.String())
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level      string
		logAt      slog.Level
		shouldShow bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)
			logger.Log(context.Background(), tt.logAt, "test")

			if got := buf.Len() > 0; got != tt.shouldShow {
				t.Fatalf("expected visible=%v got %v", tt.shouldShow, got)
			}
		})
	}
}

func TestPrettyHandlerLiftsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.With("component", "discovery").Warn("malformed announcement", "from", "10.0.0.2")

	out := buf.String()
	if !strings.Contains(out, "[discovery]") {
		t.Errorf("component not lifted: %s", out)
	}
	if strings.Contains(out, "component=") {
		t.Errorf("component repeated as attr: %s", out)
	}
	if !strings.Contains(out, "WRN") || !strings.Contains(out, "from") || !strings.Contains(out, "10.0.0.2") {
		t.Errorf("missing level or attr: %s", out)
	}
}

func TestPrettyHandlerGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil)).WithGroup("pool")
	logger.Info("added", "size", 2)

	if !strings.Contains(buf.String(), "pool.size") {
		t.Errorf("group prefix missing: %s", buf.String())
	}
}

func TestPrettyHandlerEnabledDefault(t *testing.T) {
	h := NewPrettyHandler(io.Discard, &slog.HandlerOptions{})
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled by default")
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be enabled by default")
	}
}

func TestTraceHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraceHandler{Handler: slog.NewJSONHandler(&buf, nil)}

	traceID, _ := trace.TraceIDFromHex("00000000000000000000000000000001")
	spanID, _ := trace.SpanIDFromHex("0000000000000001")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	slog.New(h).InfoContext(ctx, "traced")
	if out := buf.String(); !strings.Contains(out, "trace_id") || !strings.Contains(out, "span_id") {
		t.Fatalf("expected trace ids in output: %s", out)
	}
}

func TestStartOperationEnd(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "call")
	op.End(nil)
	op, _ = StartOperation(context.Background(), m, "call")
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("call", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("call", "error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }
func (m *mockServerStream) SendMsg(any) error        { return nil }
func (m *mockServerStream) RecvMsg(any) error        { return nil }

func TestStreamServerInterceptor(t *testing.T) {
	m := NewMetrics()
	interceptor := StreamServerInterceptor(m)
	info := &grpc.StreamServerInfo{FullMethod: "/arc.mesh.v1.Mesh/Exchange"}
	ss := &mockServerStream{ctx: context.Background()}

	err := interceptor(nil, ss, info, func(_ any, stream grpc.ServerStream) error {
		_ = stream.SendMsg("x")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = interceptor(nil, ss, info, func(any, grpc.ServerStream) error {
		return grpcstatus.Error(grpccodes.Unavailable, "gone")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues(info.FullMethod, "OK")); got != 1 {
		t.Errorf("OK = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues(info.FullMethod, "Unavailable")); got != 1 {
		t.Errorf("Unavailable = %v, want 1", got)
	}
}

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "info", LogFormat: "json", ServiceName: "test"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestServeMetricsEndpoints(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: "json", ServiceName: "test"}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var unhealthy atomic.Bool
	obs.Health = func() error {
		if unhealthy.Load() {
			return errors.New("discovery stopped")
		}
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	obs.ServeMetrics(context.Background(), addr)
	t.Cleanup(func() { _ = obs.Close(context.Background()) })
	time.Sleep(100 * time.Millisecond)

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/health"); code != http.StatusOK {
		t.Errorf("/health = %d, want 200", code)
	}
	if code := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
	unhealthy.Store(true)
	if code := get("/health"); code != http.StatusServiceUnavailable {
		t.Errorf("/health unhealthy = %d, want 503", code)
	}
}

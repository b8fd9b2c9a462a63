package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kyutai-labs/moshi-serve/internal/config"
	"github.com/kyutai-labs/moshi-serve/internal/gpuprofile"
	"github.com/kyutai-labs/moshi-serve/internal/observe"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testDevice() gpuprofile.Device {
	const gib = 1 << 30
	return gpuprofile.StubDevice{DeviceName: "test-gpu", CapMajor: 8, CapMinor: 0, TotalVRAMBytesN: 24 * gib}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0"},
		Modules: []config.ModuleConfig{
			{Name: "tts-test", Type: "Tts", Path: "/api/tts-streaming", BatchSize: 2},
		},
		Warmup: config.WarmupConfig{Enabled: true},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(), WithDevice(testDevice()), WithMetrics(newTestMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func TestNewBuildsConfiguredModules(t *testing.T) {
	a := newTestApp(t)
	if len(a.modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(a.modules))
	}
	if a.modules[0].cfg.Name != "tts-test" {
		t.Errorf("module name = %q, want %q", a.modules[0].cfg.Name, "tts-test")
	}
	if a.modules[0].eng.NumSlots() < 1 {
		t.Errorf("expected at least one slot, got %d", a.modules[0].eng.NumSlots())
	}
}

func TestNewRejectsUnknownModuleType(t *testing.T) {
	cfg := testConfig()
	cfg.Modules[0].Type = "Bogus"
	_, err := New(context.Background(), cfg, WithDevice(testDevice()), WithMetrics(newTestMetrics(t)))
	if err == nil {
		t.Fatal("expected an error for an unknown module type")
	}
}

func TestHealthAndStatusRoutesAreRegistered(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/api/health status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	a.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/api/status status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsRouteIsRegistered(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// Package app wires every moshi-serve subsystem into a running HTTP server.
//
// App owns the full lifecycle: New builds the GPU profile, constructs one
// Engine per configured module, runs warmup, and wires the HTTP/WebSocket
// routes; Run serves until its context is cancelled; Shutdown tears
// everything down in reverse-init order — the same New/Run/Shutdown shape
// as the teacher's internal/app/app.go, generalized from NPC voice
// pipelines to speech-inference modules.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kyutai-labs/moshi-serve/internal/config"
	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/internal/engine/modelsynth"
	"github.com/kyutai-labs/moshi-serve/internal/engine/modelwhisper"
	"github.com/kyutai-labs/moshi-serve/internal/gpuprofile"
	"github.com/kyutai-labs/moshi-serve/internal/health"
	"github.com/kyutai-labs/moshi-serve/internal/observe"
	"github.com/kyutai-labs/moshi-serve/internal/resilience"
	"github.com/kyutai-labs/moshi-serve/internal/session"
	"github.com/kyutai-labs/moshi-serve/internal/warmup"
)

// moduleRuntime is everything one configured module needs to stay alive:
// its Engine, the Model backing it, and the circuit breaker gating
// admission once that Engine goes device-fatal.
type moduleRuntime struct {
	cfg     config.ModuleConfig
	eng     *engine.Engine
	model   engine.Model
	breaker *resilience.CircuitBreaker
}

// App owns every subsystem's lifetime and serves the configured modules
// over HTTP/WebSocket.
type App struct {
	cfg     *config.Config
	auth    *session.Authenticator
	metrics *observe.Metrics
	device  gpuprofile.Device

	mux    *http.ServeMux
	server *http.Server

	modules []*moduleRuntime

	// closers run in reverse-init order during Shutdown, mirroring the
	// teacher's internal/app/app.go.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New, used primarily to inject test
// doubles (a stub GPU device, a pre-built Metrics instance).
type Option func(*App)

// WithDevice injects a gpuprofile.Device instead of the default stub probe.
func WithDevice(d gpuprofile.Device) Option {
	return func(a *App) { a.device = d }
}

// WithMetrics injects a pre-built Metrics instance instead of initializing
// a fresh OpenTelemetry provider — tests use this to avoid registering a
// second global MeterProvider per run.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires every configured module: GPU profile, per-module Engine and
// Model, warmup, and the HTTP/WebSocket routes. All initialization is
// synchronous — New returns only once every module is ready to serve or an
// error describing what failed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:  cfg,
		auth: session.NewAuthenticator(cfg.Auth),
		mux:  http.NewServeMux(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.device == nil {
		a.device = defaultDevice()
	}

	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "moshi-serve"})
		if err != nil {
			return nil, fmt.Errorf("app: init metrics provider: %w", err)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.buildModules(ctx); err != nil {
		return nil, fmt.Errorf("app: build modules: %w", err)
	}

	if err := a.runWarmup(ctx); err != nil {
		return nil, fmt.Errorf("app: warmup: %w", err)
	}

	a.registerRoutes()

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: a.mux,
	}

	return a, nil
}

// defaultDevice returns the StubDevice used when no real hardware probe is
// wired (spec §4.1/§9: no concrete CUDA/NVML binding exists in the
// reference corpus).
func defaultDevice() gpuprofile.Device {
	const gib = 1 << 30
	return gpuprofile.StubDevice{
		DeviceName:      "stub-gpu",
		CapMajor:        8,
		CapMinor:        0,
		TotalVRAMBytesN: 24 * gib,
	}
}

// buildModules constructs one Engine (and backing Model) per cfg.Modules
// entry, each gated by its own GPU profile and circuit breaker. A module
// whose Model or Engine fails to construct aborts New entirely — a
// half-wired App never reaches Run.
func (a *App) buildModules(ctx context.Context) error {
	for _, mc := range a.cfg.Modules {
		profile, err := gpuprofile.Probe(a.device, gpuConfigFor(a.cfg.GPU, mc))
		if err != nil {
			return fmt.Errorf("gpu profile for module %q: %w", mc.Name, err)
		}

		model, err := buildModel(mc, profile)
		if err != nil {
			return fmt.Errorf("build model for module %q: %w", mc.Name, err)
		}

		eng, err := engine.New(ctx, model, engine.ModuleKind(mc.Type), profile.RecommendedMaxBatch,
			engine.WithTelemetry(a.telemetryCallback(mc.Name)),
		)
		if err != nil {
			_ = model.Close()
			return fmt.Errorf("construct engine for module %q: %w", mc.Name, err)
		}
		a.closers = append(a.closers, eng.Close)

		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: mc.Name})

		a.modules = append(a.modules, &moduleRuntime{cfg: mc, eng: eng, model: model, breaker: breaker})
		slog.Info("module engine ready", "module", mc.Name, "type", mc.Type, "slots", profile.RecommendedMaxBatch, "dtype", profile.RecommendedDtype)
	}
	return nil
}

// buildModel selects the Model backend a module's kind requires: whisper.cpp
// for the ASR kinds, the synthetic backend for Tts (no real TTS model
// backend exists in the reference corpus — spec.md §1's Non-goals keep
// model internals opaque).
func buildModel(mc config.ModuleConfig, profile gpuprofile.Record) (engine.Model, error) {
	switch engine.ModuleKind(mc.Type) {
	case engine.KindAsr, engine.KindBatchedAsr:
		return modelwhisper.New(mc.ModelPath)
	case engine.KindTts:
		return modelsynth.New(), nil
	default:
		return nil, fmt.Errorf("unknown module type %q", mc.Type)
	}
}

// gpuConfigFor seeds a gpuprofile.Config from the config file's [gpu]
// section and a module's own batch_size/dtype_override, applying
// gpuprofile.DefaultConfig for anything left zero.
func gpuConfigFor(gc config.GPUConfig, mc config.ModuleConfig) gpuprofile.Config {
	cfg := gpuprofile.DefaultConfig()
	const mib = 1 << 20
	if gc.ReservedHeadroomMB > 0 {
		cfg.ReservedHeadroomBytes = uint64(gc.ReservedHeadroomMB) * mib
	}
	if gc.ModelParamsBillions > 0 {
		cfg.ModelParamsBillions = gc.ModelParamsBillions
	}
	if gc.PerBatchItemMB > 0 {
		cfg.PerBatchItemBytes = uint64(gc.PerBatchItemMB) * mib
	}
	if mc.DtypeOverride != "" {
		cfg.DtypeOverride = gpuprofile.Dtype(mc.DtypeOverride)
	}
	cfg.RequestedBatchSize = mc.BatchSize
	return cfg
}

// telemetryCallback bridges internal/engine.TelemetryEvent — a lossy,
// best-effort signal off the Engine's hot path — into metrics and logs,
// labelled by module.
func (a *App) telemetryCallback(module string) func(engine.TelemetryEvent) {
	return func(ev engine.TelemetryEvent) {
		switch ev.Kind {
		case engine.TelemetryEgressDropped:
			a.metrics.RecordEgressDropped(context.Background(), module)
		case engine.TelemetryDeviceFatal:
			slog.Error("engine went device-fatal", "module", module)
			a.metrics.RecordAdmissionFailure(context.Background(), module, "device_fatal")
		case engine.TelemetryStepDeadlineMissed:
			slog.Warn("step deadline missed", "module", module, "step", ev.StepIdx)
		case engine.TelemetrySlotAdmitted:
			a.metrics.SetSlotsUsed(context.Background(), module, 1)
		case engine.TelemetrySlotFreed:
			slog.Debug("slot freed", "module", module, "slot", ev.SlotIndex)
			a.metrics.SetSlotsUsed(context.Background(), module, -1)
		case engine.TelemetryStep:
			a.metrics.RecordStep(context.Background(), module, ev.Duration.Seconds())
		case engine.TelemetryStepFault:
			slog.Warn("recoverable model step fault", "module", module, "step", ev.StepIdx)
		case engine.TelemetryStepFaultReleaseDropped:
			slog.Warn("step fault auto-release dropped, relying on session self-release", "module", module)
		}
	}
}

// withHTTPMetrics wraps h to record request latency in Metrics.HTTPRequestDuration,
// labelled by method and the route pattern pattern was registered under.
func (a *App) withHTTPMetrics(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		a.metrics.RecordHTTPRequest(r.Context(), r.Method, pattern, time.Since(start).Seconds())
	}
}

// runWarmup drives warmup.Run across every module's Model in configuration
// order.
func (a *App) runWarmup(ctx context.Context) error {
	targets := make([]warmup.Target, len(a.modules))
	for i, m := range a.modules {
		targets[i] = warmup.Target{Module: m.cfg.Name, Model: m.model, BatchSize: m.eng.NumSlots()}
	}
	return warmup.Run(ctx, a.cfg.Warmup, a.metrics, targets)
}

// registerRoutes wires every module's WebSocket handler plus the shared
// /api/health, /api/status, /api/tts, and /metrics endpoints.
func (a *App) registerRoutes() {
	for _, m := range a.modules {
		m := m
		a.mux.HandleFunc(m.cfg.Path, session.NewHandler(session.Deps{
			Engine:  m.eng,
			Auth:    a.auth,
			Metrics: a.metrics,
			Module:  m.cfg.Name,
			Breaker: m.breaker,
		}))
	}

	healthHandler := health.New(a.moduleStatuses, a.auth.JWTEnabled(), a.auth.APIKeyEnabled())
	a.mux.HandleFunc("GET /api/health", a.withHTTPMetrics("/api/health", healthHandler.Health))
	a.mux.HandleFunc("GET /api/status", a.withHTTPMetrics("/api/status", healthHandler.Status))

	a.mux.HandleFunc("POST /api/tts", a.withHTTPMetrics("/api/tts", a.handleTTS))

	// The otel Prometheus exporter (wired in New via observe.InitProvider)
	// registers its collector with the default Prometheus registry;
	// promhttp.Handler serves that registry's current snapshot.
	a.mux.Handle("GET /metrics", promhttp.Handler())
}

// moduleStatuses reports live slot occupancy for /api/status.
func (a *App) moduleStatuses() []health.ModuleStatus {
	out := make([]health.ModuleStatus, len(a.modules))
	for i, m := range a.modules {
		out[i] = health.ModuleStatus{
			Name:       m.cfg.Name,
			Type:       m.cfg.Type,
			SlotsTotal: m.eng.NumSlots(),
			SlotsUsed:  m.eng.SlotsInUse(),
		}
	}
	return out
}

// Run serves HTTP until ctx is cancelled, then shuts the server down
// gracefully within a bounded grace period.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return ctx.Err()
	}
}

// Shutdown tears down every subsystem in reverse-init order. Safe to call
// more than once; only the first call runs the closers.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

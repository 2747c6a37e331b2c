// Package app wires all relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithBroadcaster, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/audio"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/broadcast"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/config"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/health"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/pipeline"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/quality"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/resilience"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/stream"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/transport"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
)

// shutdownTimeout bounds the HTTP server drain when the run context ends.
const shutdownTimeout = 10 * time.Second

// NamedTranslator pairs a translation backend with its configured name, so
// logs and fallback diagnostics can identify which backend served a call.
type NamedTranslator struct {
	Name     string
	Provider translate.Provider
}

// Providers holds one implementation per pipeline stage. Populated by main.go
// from the provider registry. All three stages are required; fallbacks are
// optional extra translation backends tried in order.
type Providers struct {
	STT       stt.Provider
	STTName   string
	Translate translate.Provider
	TransName string
	TTS       tts.Provider
	TTSName   string

	TranslateFallbacks []NamedTranslator
}

// App owns all subsystem lifetimes and serves the relay's HTTP surface.
type App struct {
	cfg       *config.Config
	providers *Providers

	// liveCfg is the configuration consulted per new stream, so a config
	// reload retunes subsequently created pipelines. Server-level settings
	// (listen address, TLS, providers) stay fixed for the process lifetime.
	liveCfg atomic.Pointer[config.Config]

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	quality     *quality.Monitor
	broadcaster *broadcast.Broadcaster
	translator  translate.Provider
	manager     *stream.Manager
	server      *http.Server

	// Shared per-dependency breakers and the wrappers built on them.
	breakers        map[string]*resilience.CircuitBreaker
	recognizeGuard  *resilience.Wrapper
	translateGuard  *resilience.Wrapper
	synthesizeGuard *resilience.Wrapper

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBroadcaster injects a broadcaster instead of creating one from config.
func WithBroadcaster(b *broadcast.Broadcaster) Option {
	return func(a *App) { a.broadcaster = b }
}

// WithQualityMonitor injects a quality monitor instead of the default one.
func WithQualityMonitor(m *quality.Monitor) Option {
	return func(a *App) { a.quality = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.Translate == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: stt, translate and tts providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
	a.liveCfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.quality == nil {
		a.quality = quality.NewMonitor(quality.MonitorConfig{})
	}
	if a.broadcaster == nil {
		a.broadcaster = broadcast.New(
			broadcast.WithSendTimeout(cfg.Broadcast.SendTimeout.Std()),
		)
	}

	a.initResilience()
	a.initTranslator()
	a.initManager()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// breaker returns the shared circuit breaker for a dependency, creating it on
// first use. Every wrapper guarding the same dependency shares one breaker so
// a failing provider throttles all streams uniformly.
func (a *App) breaker(name string) *resilience.CircuitBreaker {
	if cb, ok := a.breakers[name]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  a.cfg.Resilience.BreakerMaxFailures,
		ResetTimeout: a.cfg.Resilience.BreakerResetTimeout.Std(),
		OnStateChange: func(name string, from, to resilience.State) {
			a.metrics.RecordCircuitTransition(context.Background(),
				name, from.String(), to.String())
			slog.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	a.breakers[name] = cb
	return cb
}

// initResilience builds the per-dependency wrappers shared by all streams.
func (a *App) initResilience() {
	wrap := func(name string) *resilience.Wrapper {
		return resilience.NewWrapper(a.breaker(name), resilience.WrapperConfig{
			Name:        name,
			MaxAttempts: a.cfg.Resilience.MaxAttempts,
			Timeout:     a.cfg.Resilience.CallTimeout.Std(),
			Backoff:     a.cfg.Resilience.Backoff.Std(),
			MaxBackoff:  a.cfg.Resilience.MaxBackoff.Std(),
		})
	}
	a.recognizeGuard = wrap("recognition")
	a.translateGuard = wrap("translation")
	a.synthesizeGuard = wrap("synthesis")
}

// initTranslator assembles the translation chain: the primary backend plus
// any configured fallbacks, each behind its own breaker.
func (a *App) initTranslator() {
	primary := &measuredTranslate{
		next:    a.providers.Translate,
		name:    a.providers.TransName,
		metrics: a.metrics,
	}

	if len(a.providers.TranslateFallbacks) == 0 {
		a.translator = primary
		return
	}

	chain := resilience.NewTranslateFallback(primary, a.providers.TransName,
		resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  a.cfg.Resilience.BreakerMaxFailures,
				ResetTimeout: a.cfg.Resilience.BreakerResetTimeout.Std(),
				OnStateChange: func(name string, from, to resilience.State) {
					a.metrics.RecordCircuitTransition(context.Background(),
						name, from.String(), to.String())
				},
			},
		})
	for _, fb := range a.providers.TranslateFallbacks {
		chain.AddFallback(fb.Name, &measuredTranslate{
			next:    fb.Provider,
			name:    fb.Name,
			metrics: a.metrics,
		})
	}
	a.translator = chain
	slog.Info("translation fallback chain assembled", "backends", chain.Backends())
}

// initManager builds the stream manager with a factory that wires a complete
// per-stream pipeline on speaker connect.
func (a *App) initManager() {
	sttProvider := &measuredSTT{
		next:    a.providers.STT,
		name:    a.providers.STTName,
		metrics: a.metrics,
	}
	synthesizer := &measuredTTS{
		next:    a.providers.TTS,
		name:    a.providers.TTSName,
		metrics: a.metrics,
	}

	factory := func(streamID string) (*stream.Session, error) {
		cfg := a.liveCfg.Load()

		accumulator := audio.NewAccumulator(audio.AccumulatorConfig{
			MinWindow:  cfg.Buffer.MinWindow.Std(),
			MaxBytes:   cfg.Buffer.MaxBytes,
			ReleaseGap: cfg.Buffer.ReleaseGap.Std(),
		})

		orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
			StreamID: streamID,
			Provider: sttProvider,
			Stream: stt.StreamConfig{
				SampleRate:     cfg.Pipeline.SampleRate,
				Channels:       cfg.Pipeline.Channels,
				Language:       cfg.Languages.Source,
				InterimResults: cfg.Pipeline.InterimResults,
			},
			Quality:          a.quality,
			Accumulator:      accumulator,
			Recognize:        a.recognizeGuard,
			StreamingEnabled: !cfg.Pipeline.BufferedOnly,
			FailureThreshold: cfg.Pipeline.FailureThreshold,
			QualityFloor:     cfg.Pipeline.QualityFloor,
			RecoveryInterval: cfg.Pipeline.RecoveryInterval.Std(),
			SessionLimit:     cfg.Pipeline.SessionLimit.Std(),
			RestartMargin:    cfg.Pipeline.RestartMargin.Std(),
			OnModeChange: func(streamID string, from, to pipeline.Mode, reason string) {
				a.metrics.RecordModeSwitch(context.Background(), from.String(), to.String())
			},
			OnChannelRestart: func(streamID string, ok bool) {
				status := "ok"
				if !ok {
					status = "failed"
				}
				a.metrics.ChannelRestarts.Add(context.Background(), 1,
					channelRestartAttrs(status))
			},
		})

		return stream.NewSession(stream.SessionConfig{
			StreamID:        streamID,
			Orchestrator:    orchestrator,
			Translator:      a.translator,
			Synthesizer:     synthesizer,
			TranslateGuard:  a.translateGuard,
			SynthesizeGuard: a.synthesizeGuard,
			Broadcaster:     a.broadcaster,
			Quality:         a.quality,
			SourceLang:      cfg.Languages.Source,
			TargetLang:      cfg.Languages.Target,
			Voice: tts.VoiceConfig{
				Language:     cfg.Languages.Target,
				Name:         cfg.Languages.Voice,
				SpeakingRate: cfg.Languages.SpeakingRate,
			},
			SampleRate: cfg.Pipeline.SampleRate,
			Metrics:    a.metrics,
		}), nil
	}

	a.manager = stream.NewManager(stream.ManagerConfig{
		NewSession:  factory,
		IdleTimeout: a.cfg.Server.StreamIdleTimeout.Std(),
	})
	a.closers = append(a.closers, func() error {
		a.manager.Shutdown()
		return nil
	})
}

// initServer assembles the HTTP mux: WebSocket transport, health probes,
// diagnostics, and Prometheus scrape endpoint, all behind the observability
// middleware.
func (a *App) initServer() {
	mux := http.NewServeMux()

	transport.NewHandler(a.manager, a.broadcaster, a.metrics).Register(mux)

	checkers := make([]health.Checker, 0, len(a.breakers))
	for name, cb := range a.breakers {
		checkers = append(checkers, health.Checker{
			Name: name,
			Check: func(ctx context.Context) error {
				if cb.State() == resilience.StateOpen {
					return fmt.Errorf("circuit open")
				}
				return nil
			},
		})
	}
	health.New(checkers...).
		WithSnapshot(a.diagnostics).
		Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// diagnosticsPayload is the /diagnostics response: live stream snapshots plus
// the state of every shared circuit breaker.
type diagnosticsPayload struct {
	Streams  []stream.SessionSnapshot `json:"streams"`
	Breakers map[string]string        `json:"breakers"`
}

// diagnostics assembles the operator view. The breakers map is only written
// during New, so reading it here needs no lock.
func (a *App) diagnostics() any {
	breakers := make(map[string]string, len(a.breakers))
	for name, cb := range a.breakers {
		breakers[name] = cb.State().String()
	}
	return diagnosticsPayload{
		Streams:  a.manager.Snapshots(),
		Breakers: breakers,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains the server. It returns
// nil on clean shutdown and the listen error otherwise.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", a.server.Addr, "tls", true)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.server.Addr, "tls", false)
			err = a.server.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, the remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig swaps in a reloaded configuration. Pipeline tunables (quality
// floor, failure threshold, buffer bounds, rotation margins) take effect for
// every stream created afterwards; already-running streams keep the tunables
// they started with, and server-level settings are ignored until restart.
func (a *App) ApplyConfig(next *config.Config) {
	if next == nil {
		return
	}
	a.liveCfg.Store(next)
	slog.Info("pipeline tunables updated",
		"quality_floor", next.Pipeline.QualityFloor,
		"failure_threshold", next.Pipeline.FailureThreshold,
		"recovery_interval", next.Pipeline.RecoveryInterval.Std(),
	)
}

// ─── Accessors for tests and diagnostics ─────────────────────────────────────

// Manager exposes the stream manager.
func (a *App) Manager() *stream.Manager { return a.manager }

// Handler exposes the root HTTP handler for httptest servers.
func (a *App) Handler() http.Handler { return a.server.Handler }

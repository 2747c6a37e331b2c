// Command translationd is the live speech translation relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"google.golang.org/api/option"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/app"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/config"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
	sttdeepgram "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt/deepgram"
	sttgoogle "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt/google"
	sttmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt/mock"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
	tranyllm "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/anyllm"
	trgoogle "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/google"
	trmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/mock"
	tropenai "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/openai"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
	ttsgoogle "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts/google"
	ttsmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "translationd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "translationd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("translationd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability provider ────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "translationd",
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closeProviders, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders()

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		slog.Info("configuration file changed; tunables apply to new streams")
		application.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down",
		"source_lang", cfg.Languages.Source,
		"target_lang", cfg.Languages.Target,
	)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the providers named in cfg. The returned close
// function releases any providers that hold client connections.
func buildProviders(ctx context.Context, cfg *config.Config) (*app.Providers, func(), error) {
	ps := &app.Providers{
		STTName:   cfg.Providers.STT.Name,
		TransName: cfg.Providers.Translate.Name,
		TTSName:   cfg.Providers.TTS.Name,
	}
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}

	sttProvider, closer, err := buildSTT(ctx, cfg, cfg.Providers.STT)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttProvider
	if closer != nil {
		closers = append(closers, closer)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	ps.Translate, closer, err = buildTranslate(ctx, cfg.Providers.Translate)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create translate provider %q: %w", cfg.Providers.Translate.Name, err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	slog.Info("provider created", "kind", "translate", "name", cfg.Providers.Translate.Name)

	for _, entry := range cfg.Providers.TranslateFallbacks {
		fb, fbCloser, err := buildTranslate(ctx, entry)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create translate fallback %q: %w", entry.Name, err)
		}
		if fbCloser != nil {
			closers = append(closers, fbCloser)
		}
		ps.TranslateFallbacks = append(ps.TranslateFallbacks, app.NamedTranslator{
			Name:     entry.Name,
			Provider: fb,
		})
		slog.Info("provider created", "kind", "translate_fallback", "name", entry.Name)
	}

	ps.TTS, closer, err = buildTTS(ctx, cfg, cfg.Providers.TTS)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, closeAll, nil
}

func buildSTT(ctx context.Context, cfg *config.Config, entry config.ProviderEntry) (stt.Provider, func() error, error) {
	switch entry.Name {
	case "google":
		opts := []sttgoogle.Option{
			sttgoogle.WithLanguage(cfg.Languages.Source),
			sttgoogle.WithSampleRate(cfg.Pipeline.SampleRate),
		}
		if entry.CredentialsFile != "" {
			opts = append(opts, sttgoogle.WithClientOptions(
				option.WithCredentialsFile(entry.CredentialsFile)))
		}
		p, err := sttgoogle.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "deepgram":
		opts := []sttdeepgram.Option{
			sttdeepgram.WithLanguage(cfg.Languages.Source),
			sttdeepgram.WithSampleRate(cfg.Pipeline.SampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(entry.Model))
		}
		p, err := sttdeepgram.New(entry.APIKey, opts...)
		return p, nil, err

	case "mock":
		return sttmock.New(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildTranslate(ctx context.Context, entry config.ProviderEntry) (translate.Provider, func() error, error) {
	switch entry.Name {
	case "google":
		var opts []option.ClientOption
		if entry.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(entry.CredentialsFile))
		}
		p, err := trgoogle.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "openai":
		var opts []tropenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, tropenai.WithBaseURL(entry.BaseURL))
		}
		p, err := tropenai.New(entry.APIKey, entry.Model, opts...)
		return p, nil, err

	case "anyllm":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := tranyllm.New(entry.Backend, entry.Model, opts...)
		return p, nil, err

	case "mock":
		return trmock.New(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown translate provider %q", entry.Name)
	}
}

func buildTTS(ctx context.Context, cfg *config.Config, entry config.ProviderEntry) (tts.Provider, func() error, error) {
	switch entry.Name {
	case "google":
		opts := []ttsgoogle.Option{
			ttsgoogle.WithSampleRate(cfg.Pipeline.SampleRate),
		}
		if entry.CredentialsFile != "" {
			opts = append(opts, ttsgoogle.WithClientOptions(
				option.WithCredentialsFile(entry.CredentialsFile)))
		}
		p, err := ttsgoogle.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "mock":
		return ttsmock.New(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

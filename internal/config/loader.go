package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"google", "deepgram", "mock"},
	"translate": {"google", "openai", "anyllm", "mock"},
	"tts":       {"google", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation: warn for unknown names, they may be typos.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, entry := range cfg.Providers.TranslateFallbacks {
		validateProviderName("translate", entry.Name)
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.Translate.Name == "" {
		errs = append(errs, errors.New("providers.translate.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Languages
	if cfg.Languages.SpeakingRate != 0 {
		if cfg.Languages.SpeakingRate < 0.25 || cfg.Languages.SpeakingRate > 4.0 {
			errs = append(errs, fmt.Errorf("languages.speaking_rate %.2f is out of range [0.25, 4.0]", cfg.Languages.SpeakingRate))
		}
	}

	// Pipeline
	if cfg.Pipeline.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must not be negative", cfg.Pipeline.SampleRate))
	}
	if cfg.Pipeline.QualityFloor < 0 || cfg.Pipeline.QualityFloor > 1 {
		errs = append(errs, fmt.Errorf("pipeline.quality_floor %.2f is out of range [0, 1]", cfg.Pipeline.QualityFloor))
	}
	if cfg.Pipeline.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.failure_threshold %d must not be negative", cfg.Pipeline.FailureThreshold))
	}
	if limit, margin := cfg.Pipeline.SessionLimit.Std(), cfg.Pipeline.RestartMargin.Std(); limit > 0 && margin >= limit {
		errs = append(errs, fmt.Errorf("pipeline.restart_margin %v must be smaller than pipeline.session_limit %v", margin, limit))
	}

	// Resilience
	if cfg.Resilience.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_attempts %d must not be negative", cfg.Resilience.MaxAttempts))
	}
	if cfg.Resilience.BreakerMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.breaker_max_failures %d must not be negative", cfg.Resilience.BreakerMaxFailures))
	}

	// Buffer
	if cfg.Buffer.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_bytes %d must not be negative", cfg.Buffer.MaxBytes))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

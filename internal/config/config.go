// Package config provides the configuration schema, YAML loader, and file
// watcher for the translation relay server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values like "30s" and "5m" decode
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for the server. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Languages  LanguageConfig   `yaml:"languages"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Buffer     BufferConfig     `yaml:"buffer"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// StreamIdleTimeout reaps stream sessions with no traffic for this long.
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each pipeline
// stage.
type ProvidersConfig struct {
	STT       ProviderEntry `yaml:"stt"`
	Translate ProviderEntry `yaml:"translate"`
	TTS       ProviderEntry `yaml:"tts"`

	// TranslateFallbacks are tried in order when the primary translation
	// backend's circuit is open or its call fails.
	TranslateFallbacks []ProviderEntry `yaml:"translate_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "google", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Backend selects the LLM backend for the "anyllm" provider
	// (e.g., "ollama", "anthropic").
	Backend string `yaml:"backend"`

	// CredentialsFile is a service-account key file for Google Cloud
	// providers. Empty means Application Default Credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// LanguageConfig pins the stream's translation direction and output voice.
type LanguageConfig struct {
	// Source is the BCP-47 tag of inbound speech (e.g., "nl-NL").
	Source string `yaml:"source"`

	// Target is the BCP-47 tag of outbound speech (e.g., "en-US").
	Target string `yaml:"target"`

	// Voice is the provider-specific synthesis voice name
	// (e.g., "en-US-Neural2-D"). Empty picks the provider default.
	Voice string `yaml:"voice"`

	// SpeakingRate adjusts synthesis speed in [0.25, 4.0]. 0 means default.
	SpeakingRate float64 `yaml:"speaking_rate"`
}

// PipelineConfig holds audio format and mode-machine tuning.
type PipelineConfig struct {
	// SampleRate is the PCM sample rate in Hz for both directions.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the inbound channel count.
	Channels int `yaml:"channels"`

	// InterimResults requests partial transcripts in streaming mode.
	InterimResults bool `yaml:"interim_results"`

	// BufferedOnly disables streaming recognition entirely; every stream
	// runs the accumulate-and-batch path for its whole life.
	BufferedOnly bool `yaml:"buffered_only"`

	// SessionLimit overrides the provider's streaming session ceiling.
	// Zero uses the provider's own value.
	SessionLimit Duration `yaml:"session_limit"`

	// RestartMargin is how long before the session ceiling the streaming
	// channel is proactively rotated.
	RestartMargin Duration `yaml:"restart_margin"`

	// FailureThreshold is the consecutive-failure count that drops a stream
	// from streaming to buffered mode.
	FailureThreshold int `yaml:"failure_threshold"`

	// QualityFloor drops a stream to buffered mode when its quality score
	// goes below this value. Range (0, 1].
	QualityFloor float64 `yaml:"quality_floor"`

	// RecoveryInterval is the fixed wait between attempts to return to
	// streaming mode.
	RecoveryInterval Duration `yaml:"recovery_interval"`
}

// ResilienceConfig tunes the wrappers guarding every provider call.
type ResilienceConfig struct {
	// MaxAttempts is the per-call attempt budget including the first try.
	MaxAttempts int `yaml:"max_attempts"`

	// CallTimeout bounds each individual attempt.
	CallTimeout Duration `yaml:"call_timeout"`

	// Backoff is the initial inter-attempt delay; it doubles per retry up
	// to MaxBackoff.
	Backoff    Duration `yaml:"backoff"`
	MaxBackoff Duration `yaml:"max_backoff"`

	// BreakerMaxFailures opens a dependency's circuit after this many
	// consecutive failures.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerResetTimeout is how long an open circuit waits before probing.
	BreakerResetTimeout Duration `yaml:"breaker_reset_timeout"`
}

// BroadcastConfig tunes listener fan-out.
type BroadcastConfig struct {
	// SendTimeout bounds one listener send so a slow consumer cannot stall
	// the rest.
	SendTimeout Duration `yaml:"send_timeout"`
}

// BufferConfig tunes buffered-mode window accumulation.
type BufferConfig struct {
	// MinWindow is the elapsed time after which a window is released.
	MinWindow Duration `yaml:"min_window"`

	// MaxBytes releases a window early once this much audio accumulated.
	MaxBytes int `yaml:"max_bytes"`

	// ReleaseGap releases a window early when the arrival gap between two
	// chunks exceeds it.
	ReleaseGap Duration `yaml:"release_gap"`
}

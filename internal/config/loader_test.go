package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  stream_idle_timeout: 5m
providers:
  stt:
    name: mock
  translate:
    name: mock
  tts:
    name: mock
  translate_fallbacks:
    - name: openai
      api_key: test-key
      model: gpt-4o-mini
languages:
  source: nl-NL
  target: en-US
  voice: en-US-Neural2-D
  speaking_rate: 1.0
pipeline:
  sample_rate: 16000
  channels: 1
  session_limit: 5m
  restart_margin: 20s
  failure_threshold: 3
  quality_floor: 0.7
  recovery_interval: 30s
resilience:
  max_attempts: 3
  call_timeout: 10s
  backoff: 250ms
  breaker_max_failures: 5
  breaker_reset_timeout: 30s
broadcast:
  send_timeout: 2s
buffer:
  min_window: 2s
  max_bytes: 262144
  release_gap: 700ms
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if got := cfg.Server.StreamIdleTimeout.Std(); got != 5*time.Minute {
		t.Errorf("StreamIdleTimeout = %v, want 5m", got)
	}
	if got := cfg.Pipeline.RestartMargin.Std(); got != 20*time.Second {
		t.Errorf("RestartMargin = %v, want 20s", got)
	}
	if got := cfg.Buffer.ReleaseGap.Std(); got != 700*time.Millisecond {
		t.Errorf("ReleaseGap = %v, want 700ms", got)
	}
	if len(cfg.Providers.TranslateFallbacks) != 1 || cfg.Providers.TranslateFallbacks[0].Model != "gpt-4o-mini" {
		t.Errorf("TranslateFallbacks = %+v, want one openai entry", cfg.Providers.TranslateFallbacks)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_adress: ":8080"
providers:
  stt: {name: mock}
  translate: {name: mock}
  tts: {name: mock}
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("misspelled field accepted, want decode error")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  stream_idle_timeout: soon
providers:
  stt: {name: mock}
  translate: {name: mock}
  tts: {name: mock}
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("invalid duration accepted, want decode error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Providers: ProvidersConfig{
				STT:       ProviderEntry{Name: "mock"},
				Translate: ProviderEntry{Name: "mock"},
				TTS:       ProviderEntry{Name: "mock"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "minimal valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			mutate:  func(cfg *Config) { cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"} },
			wantErr: "cert_file and key_file",
		},
		{
			name:    "missing stt provider",
			mutate:  func(cfg *Config) { cfg.Providers.STT.Name = "" },
			wantErr: "providers.stt.name",
		},
		{
			name:    "missing translate provider",
			mutate:  func(cfg *Config) { cfg.Providers.Translate.Name = "" },
			wantErr: "providers.translate.name",
		},
		{
			name:    "missing tts provider",
			mutate:  func(cfg *Config) { cfg.Providers.TTS.Name = "" },
			wantErr: "providers.tts.name",
		},
		{
			name:    "speaking rate too fast",
			mutate:  func(cfg *Config) { cfg.Languages.SpeakingRate = 5.0 },
			wantErr: "speaking_rate",
		},
		{
			name:   "speaking rate zero means default",
			mutate: func(cfg *Config) { cfg.Languages.SpeakingRate = 0 },
		},
		{
			name:    "quality floor above one",
			mutate:  func(cfg *Config) { cfg.Pipeline.QualityFloor = 1.5 },
			wantErr: "quality_floor",
		},
		{
			name:    "negative sample rate",
			mutate:  func(cfg *Config) { cfg.Pipeline.SampleRate = -1 },
			wantErr: "sample_rate",
		},
		{
			name: "restart margin not below session limit",
			mutate: func(cfg *Config) {
				cfg.Pipeline.SessionLimit = Duration(time.Minute)
				cfg.Pipeline.RestartMargin = Duration(time.Minute)
			},
			wantErr: "restart_margin",
		},
		{
			name: "restart margin without session limit is fine",
			mutate: func(cfg *Config) {
				cfg.Pipeline.RestartMargin = Duration(20 * time.Second)
			},
		},
		{
			name:    "negative breaker failures",
			mutate:  func(cfg *Config) { cfg.Resilience.BreakerMaxFailures = -1 },
			wantErr: "breaker_max_failures",
		},
		{
			name:    "negative buffer bytes",
			mutate:  func(cfg *Config) { cfg.Buffer.MaxBytes = -1 },
			wantErr: "max_bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()

	err := Validate(&Config{
		Server: ServerConfig{LogLevel: "verbose"},
	})
	if err == nil {
		t.Fatal("Validate = nil, want joined errors")
	}
	for _, want := range []string{"server.log_level", "providers.stt.name", "providers.translate.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/config"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	sttmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt/mock"
	trmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/mock"
	ttsmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:        "127.0.0.1:0",
			StreamIdleTimeout: config.Duration(5 * time.Minute),
		},
		Languages: config.LanguageConfig{
			Source: "nl-NL",
			Target: "en-US",
		},
		Pipeline: config.PipelineConfig{
			SampleRate:   16000,
			Channels:     1,
			BufferedOnly: true,
		},
	}
}

func testProviders() *Providers {
	return &Providers{
		STT:       sttmock.New(),
		STTName:   "mock",
		Translate: trmock.New(),
		TransName: "mock",
		TTS:       ttsmock.New(),
		TTSName:   "mock",
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a, err := New(testConfig(), testProviders(), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := New(testConfig(), nil); err == nil {
		t.Fatal("New(nil providers) = nil error, want failure")
	}

	p := testProviders()
	p.TTS = nil
	if _, err := New(testConfig(), p); err == nil {
		t.Fatal("New without a tts provider = nil error, want failure")
	}
}

func TestApp_ServesHealthEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApp_ServesMetricsEndpoint(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestApp_CreateStream(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/streams", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /v1/streams: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /v1/streams = %d, want 201", resp.StatusCode)
	}

	var body struct {
		StreamID  string `json:"stream_id"`
		SpeakURL  string `json:"speak_url"`
		ListenURL string `json:"listen_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.StreamID == "" {
		t.Fatal("stream_id is empty")
	}
	if !strings.Contains(body.SpeakURL, body.StreamID) || !strings.Contains(body.ListenURL, body.StreamID) {
		t.Fatalf("urls %q and %q do not reference stream %q", body.SpeakURL, body.ListenURL, body.StreamID)
	}
}

func TestApp_DiagnosticsReflectsSessions(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if _, err := a.Manager().Acquire(context.Background(), "diag-stream"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	resp, err := http.Get(srv.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("GET /diagnostics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /diagnostics = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Streams []struct {
			StreamID string `json:"StreamID"`
			Mode     string `json:"Mode"`
		} `json:"streams"`
		Breakers map[string]string `json:"breakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Streams) != 1 || body.Streams[0].StreamID != "diag-stream" {
		t.Fatalf("diagnostics streams = %+v, want the acquired stream", body.Streams)
	}

	// Every shared breaker reports its state, closed while nothing failed.
	for _, name := range []string{"recognition", "translation", "synthesis"} {
		if got := body.Breakers[name]; got != "closed" {
			t.Fatalf("breaker %q state = %q, want closed (all: %v)", name, got, body.Breakers)
		}
	}
}

func TestApp_ApplyConfigRetunesNewStreams(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)

	if _, err := a.Manager().Acquire(context.Background(), "before-reload"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	next := testConfig()
	next.Pipeline.BufferedOnly = false
	a.ApplyConfig(next)

	if _, err := a.Manager().Acquire(context.Background(), "after-reload"); err != nil {
		t.Fatalf("Acquire after reload: %v", err)
	}

	modes := make(map[string]string)
	for _, snap := range a.Manager().Snapshots() {
		modes[snap.StreamID] = snap.Mode
	}
	if got := modes["before-reload"]; got != "BUFFERED" {
		t.Fatalf("pre-reload stream mode = %q, want BUFFERED", got)
	}
	if got := modes["after-reload"]; got != "STREAMING" {
		t.Fatalf("post-reload stream mode = %q, want STREAMING: reloaded tunables must reach new pipelines", got)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

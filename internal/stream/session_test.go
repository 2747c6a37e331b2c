package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/audio"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/broadcast"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/pipeline"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/quality"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/resilience"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
	sttmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt/mock"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
	trmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate/mock"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
	ttsmock "github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts/mock"
)

// listenerConn records broadcast payloads for assertion.
type listenerConn struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *listenerConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.payloads = append(c.payloads, buf)
	return nil
}

func (c *listenerConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

type sessionEnv struct {
	session     *Session
	broadcaster *broadcast.Broadcaster
	translator  *trmock.Provider
	synthesizer *ttsmock.Provider
}

// newSessionEnv wires a session in buffered-only recognition mode so one
// 8-byte ingest releases a window and produces a final transcript without any
// streaming channel in play.
func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	env := &sessionEnv{
		broadcaster: broadcast.New(),
		translator:  trmock.New(),
		synthesizer: ttsmock.New(),
	}
	monitor := quality.NewMonitor(quality.MonitorConfig{})
	guard := func(name string) *resilience.Wrapper {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        name,
			MaxFailures: 1000,
		})
		return resilience.NewWrapper(breaker, resilience.WrapperConfig{
			MaxAttempts: 1,
			Backoff:     time.Millisecond,
		})
	}
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		StreamID: "test-stream",
		Provider: sttmock.New(),
		Stream:   stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "nl-NL"},
		Quality:  monitor,
		Accumulator: audio.NewAccumulator(audio.AccumulatorConfig{
			MinWindow:  time.Hour,
			MaxBytes:   8,
			ReleaseGap: time.Hour,
		}),
		Recognize:        guard("recognition"),
		StreamingEnabled: false,
	})
	env.session = NewSession(SessionConfig{
		StreamID:        "test-stream",
		Orchestrator:    orch,
		Translator:      env.translator,
		Synthesizer:     env.synthesizer,
		TranslateGuard:  guard("translation"),
		SynthesizeGuard: guard("synthesis"),
		Broadcaster:     env.broadcaster,
		Quality:         monitor,
		SourceLang:      "nl-NL",
		TargetLang:      "en-US",
		Voice:           tts.VoiceConfig{Language: "en-US"},
		SampleRate:      16000,
	})

	if err := env.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(env.session.Close)
	return env
}

func waitForPayloads(t *testing.T, c *listenerConn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d broadcast payloads, have %d", n, len(c.received()))
	return nil
}

func TestSession_EndToEndDelivery(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	listener := &listenerConn{}
	env.broadcaster.AddListener("test-stream", listener)

	env.session.IngestAudio(make([]byte, 8))

	// Batch recognition yields "mock transcript"; the translate mock prefixes
	// the target language and the tts mock echoes the text as bytes.
	got := waitForPayloads(t, listener, 1)
	want := []byte("[en-US] mock transcript")
	if !bytes.Equal(got[0], want) {
		t.Fatalf("broadcast payload = %q, want %q", got[0], want)
	}

	calls := env.translator.Calls()
	if len(calls) != 1 || calls[0].SourceLang != "nl-NL" || calls[0].TargetLang != "en-US" {
		t.Fatalf("translate calls = %+v, want one nl-NL to en-US request", calls)
	}
	if synth := env.synthesizer.Calls(); len(synth) != 1 || synth[0] != "[en-US] mock transcript" {
		t.Fatalf("synthesize calls = %v, want the translated text", synth)
	}
}

func TestSession_TranslationFailureBroadcastsMarker(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	env.translator.TranslateFunc = func(ctx context.Context, req translate.Request) (string, error) {
		return "", errors.New("translation backend down")
	}
	listener := &listenerConn{}
	env.broadcaster.AddListener("test-stream", listener)

	env.session.IngestAudio(make([]byte, 8))

	got := waitForPayloads(t, listener, 1)
	wantLen := len(audio.MarkerTone(16000, 440.0, 0.2))
	if len(got[0]) != wantLen {
		t.Fatalf("payload length = %d, want marker tone of %d bytes", len(got[0]), wantLen)
	}
	if synth := env.synthesizer.Calls(); len(synth) != 0 {
		t.Fatalf("synthesize calls = %v, want none after translation failed", synth)
	}
}

func TestSession_SynthesisFailureBroadcastsMarker(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	env.synthesizer.SynthesizeFunc = func(ctx context.Context, text string, voice tts.VoiceConfig) ([]byte, error) {
		return nil, errors.New("synthesis backend down")
	}
	listener := &listenerConn{}
	env.broadcaster.AddListener("test-stream", listener)

	env.session.IngestAudio(make([]byte, 8))

	got := waitForPayloads(t, listener, 1)
	wantLen := len(audio.MarkerTone(16000, 440.0, 0.2))
	if len(got[0]) != wantLen {
		t.Fatalf("payload length = %d, want marker tone of %d bytes", len(got[0]), wantLen)
	}
}

func TestSession_SnapshotCounters(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	listener := &listenerConn{}
	env.broadcaster.AddListener("test-stream", listener)

	env.session.IngestAudio(make([]byte, 8))
	waitForPayloads(t, listener, 1)

	waitForSnapshot(t, env.session, func(snap SessionSnapshot) bool {
		return snap.EventsOut == 1
	})
	snap := env.session.Snapshot()
	if snap.StreamID != "test-stream" {
		t.Errorf("StreamID = %q, want test-stream", snap.StreamID)
	}
	if snap.Mode != "BUFFERED" {
		t.Errorf("Mode = %q, want BUFFERED", snap.Mode)
	}
	if snap.ChunksIn != 1 {
		t.Errorf("ChunksIn = %d, want 1", snap.ChunksIn)
	}
	if snap.MarkersSent != 0 {
		t.Errorf("MarkersSent = %d, want 0", snap.MarkersSent)
	}
	if snap.Listeners != 1 {
		t.Errorf("Listeners = %d, want 1", snap.Listeners)
	}
}

func waitForSnapshot(t *testing.T, s *Session, cond func(SessionSnapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.Snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for snapshot condition, have %+v", s.Snapshot())
}

func TestSession_TouchRefreshesActivity(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	before := env.session.LastActivity()

	current := before.Add(time.Minute)
	env.session.now = func() time.Time { return current }
	env.session.Touch()

	if got := env.session.LastActivity(); !got.Equal(current) {
		t.Fatalf("LastActivity = %v, want %v", got, current)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newSessionEnv(t)
	env.session.Close()
	env.session.Close()
}

// Package stream owns the per-stream lifecycle: one [Session] per active
// speaker, tying the recognition pipeline to translation, synthesis and
// listener broadcast, and a [Manager] that enforces the single-speaker rule
// and reaps idle streams.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/audio"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/broadcast"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/pipeline"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/quality"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/resilience"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
)

// Marker tone played to listeners in place of a chunk that failed end to end.
const (
	markerToneFreqHz   = 440.0
	markerToneDuration = 0.2
)

// SessionConfig wires one [Session]. All fields except Voice are required.
type SessionConfig struct {
	StreamID string

	// Orchestrator is the stream's recognition pipeline. The session owns
	// its lifecycle: Start starts it, Close stops it.
	Orchestrator *pipeline.Orchestrator

	// Translator translates final transcripts; Synthesizer renders the
	// translations to audio. Both calls run through their guards.
	Translator      translate.Provider
	Synthesizer     tts.Provider
	TranslateGuard  *resilience.Wrapper
	SynthesizeGuard *resilience.Wrapper

	// Broadcaster fans synthesized audio out to the stream's listeners.
	Broadcaster *broadcast.Broadcaster

	// Quality scores translation and synthesis outcomes alongside the
	// recognition samples the orchestrator records.
	Quality *quality.Monitor

	// SourceLang and TargetLang are BCP 47 language tags.
	SourceLang string
	TargetLang string

	// Voice selects the synthesis voice.
	Voice tts.VoiceConfig

	// SampleRate is the PCM rate of the outbound audio, used for the marker
	// tone so it matches what listeners are already playing.
	SampleRate int

	// Metrics, when non-nil, receives chunk, pipeline-latency, fan-out and
	// marker-tone measurements.
	Metrics *observe.Metrics
}

// Session is the end-to-end pipeline for one stream: speaker audio in,
// translated speech out to every listener.
//
// Chunk ingest never blocks on downstream work; the translate-synthesize-
// broadcast chain runs on the session's own goroutine, consuming pipeline
// events in order. A chunk whose processing fails at any stage produces a
// short marker tone instead of silence.
type Session struct {
	cfg SessionConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	chunkSeq     atomic.Uint64
	chunksIn     atomic.Uint64
	eventsOut    atomic.Uint64
	markersSent  atomic.Uint64
	lastActivity atomic.Int64 // unix nanos

	startOnce sync.Once
	closeOnce sync.Once
	createdAt time.Time

	now func() time.Time // test seam
}

// SessionSnapshot is a point-in-time view of a session for diagnostics.
type SessionSnapshot struct {
	StreamID     string
	Mode         string
	QualityScore float64
	Failures     int
	ChunksIn     uint64
	EventsOut    uint64
	MarkersSent  uint64
	Listeners    int
	CreatedAt    time.Time
	LastActivity time.Time
}

// NewSession creates a session; call [Session.Start] before ingesting audio.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		cfg: cfg,
		now: time.Now,
	}
	s.createdAt = s.now()
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// Start launches the pipeline and the event consumer. ctx bounds the
// session's life.
func (s *Session) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		if err = s.cfg.Orchestrator.Start(s.ctx); err != nil {
			s.cancel()
			return
		}
		s.wg.Add(1)
		go s.run()
		slog.Info("stream session started",
			"stream_id", s.cfg.StreamID,
			"source_lang", s.cfg.SourceLang,
			"target_lang", s.cfg.TargetLang,
		)
	})
	return err
}

// IngestAudio accepts one raw audio payload from the speaker connection. It
// assigns the chunk's sequence number and arrival timestamp and hands it to
// the pipeline. Never blocks on downstream processing.
func (s *Session) IngestAudio(data []byte) {
	now := s.now()
	chunk := audio.Chunk{
		Data:       data,
		Seq:        s.chunkSeq.Add(1),
		ReceivedAt: now,
	}
	s.chunksIn.Add(1)
	s.lastActivity.Store(now.UnixNano())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChunksIngested.Add(s.ctx, 1,
			metric.WithAttributes(observe.Attr("mode", s.cfg.Orchestrator.Mode().String())))
	}
	s.cfg.Orchestrator.Ingest(chunk)
}

// Touch refreshes the session's activity timestamp without ingesting audio.
// Control frames and listener traffic call this to keep a quiet but live
// stream from being reaped.
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// Snapshot returns the session's current diagnostic state.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		StreamID:     s.cfg.StreamID,
		Mode:         s.cfg.Orchestrator.Mode().String(),
		QualityScore: s.cfg.Quality.Score(s.cfg.StreamID),
		Failures:     s.cfg.Orchestrator.Failures(),
		ChunksIn:     s.chunksIn.Load(),
		EventsOut:    s.eventsOut.Load(),
		MarkersSent:  s.markersSent.Load(),
		Listeners:    s.cfg.Broadcaster.ListenerCount(s.cfg.StreamID),
		CreatedAt:    s.createdAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
	}
}

// LastActivity returns when the session last saw traffic.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close stops the pipeline and waits for the event consumer to finish the
// event it is working on. In-flight translation or synthesis completes and is
// broadcast; nothing new is started. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cfg.Orchestrator.Stop()
		s.wg.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		s.cfg.Quality.Forget(s.cfg.StreamID)
		slog.Info("stream session closed",
			"stream_id", s.cfg.StreamID,
			"chunks_in", s.chunksIn.Load(),
			"events_out", s.eventsOut.Load(),
		)
	})
}

// run consumes pipeline events in order until the orchestrator's channel
// closes. Interim transcripts are dropped here: only final results are worth
// a translation round trip.
func (s *Session) run() {
	defer s.wg.Done()

	for ev := range s.cfg.Orchestrator.Events() {
		switch {
		case ev.Failed:
			s.broadcastMarker()
		case ev.IsFinal && ev.Text != "":
			s.deliver(ev)
		}
	}
}

// deliver runs one final transcript through translation and synthesis and
// broadcasts the result. Any stage failure degrades to the marker tone.
func (s *Session) deliver(ev pipeline.Event) {
	start := s.now()

	translated, err := resilience.Call(s.cfg.TranslateGuard, s.ctx,
		func(ctx context.Context) (string, error) {
			return s.cfg.Translator.Translate(ctx, translate.Request{
				Text:       ev.Text,
				SourceLang: s.cfg.SourceLang,
				TargetLang: s.cfg.TargetLang,
			})
		})
	if err != nil {
		slog.Warn("translation failed",
			"stream_id", s.cfg.StreamID, "seq", ev.Seq, "error", err)
		s.cfg.Quality.RecordSample(s.cfg.StreamID, s.now().Sub(start), false)
		s.broadcastMarker()
		return
	}

	pcm, err := resilience.Call(s.cfg.SynthesizeGuard, s.ctx,
		func(ctx context.Context) ([]byte, error) {
			return s.cfg.Synthesizer.Synthesize(ctx, translated, s.cfg.Voice)
		})
	if err != nil {
		slog.Warn("synthesis failed",
			"stream_id", s.cfg.StreamID, "seq", ev.Seq, "error", err)
		s.cfg.Quality.RecordSample(s.cfg.StreamID, s.now().Sub(start), false)
		s.broadcastMarker()
		return
	}

	s.cfg.Quality.RecordSample(s.cfg.StreamID, s.now().Sub(start), true)
	res := s.cfg.Broadcaster.Broadcast(s.ctx, s.cfg.StreamID, pcm)
	s.eventsOut.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PipelineDuration.Record(s.ctx, s.now().Sub(start).Seconds())
		s.cfg.Metrics.RecordBroadcast(s.ctx, res.Delivered, res.Removed)
	}

	slog.Debug("translated audio broadcast",
		"stream_id", s.cfg.StreamID,
		"seq", ev.Seq,
		"delivered", res.Delivered,
		"removed", res.Removed,
	)
}

// broadcastMarker plays the failure tone to listeners so playback stays
// coherent through a lost chunk.
func (s *Session) broadcastMarker() {
	tone := audio.MarkerTone(s.cfg.SampleRate, markerToneFreqHz, markerToneDuration)
	s.cfg.Broadcaster.Broadcast(s.ctx, s.cfg.StreamID, tone)
	s.markersSent.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MarkerTones.Add(s.ctx, 1)
	}
}

// Package pipeline contains the per-stream processing core: the long-lived
// streaming recognition session with its proactive restart protocol, and the
// fallback orchestrator that decides between streaming and buffered mode.
//
// Each stream runs its own pipeline instances; the only state shared across
// streams is the per-dependency circuit breaker inside the resilience
// wrappers handed in at construction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/audio"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
)

// ErrSessionClosed is returned by [RecognitionSession.Feed] after Close.
// The orchestrator must not feed a closed session.
var ErrSessionClosed = errors.New("recognition session is closed")

// Default restart tuning.
const (
	// defaultRestartMargin is how long before the provider's hard session
	// ceiling the channel is proactively rotated. With Google's documented
	// 5-minute limit this triggers the swap at 4m40s.
	defaultRestartMargin = 20 * time.Second

	// restartRetryInterval is how soon a failed proactive rotation is tried
	// again while the old channel is still usable.
	restartRetryInterval = 5 * time.Second
)

// SeqWindow is the inclusive range of chunk sequence numbers a transcript
// event covers.
type SeqWindow struct {
	First uint64
	Last  uint64
}

// TranscriptEvent is one recognition result annotated with its position in
// the stream. Event sequence numbers are strictly increasing for the life of
// the session, including across channel restarts.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Seq orders events within the session.
	Seq uint64

	// Window is the chunk range the event covers.
	Window SeqWindow
}

// RecognitionSessionConfig configures a [RecognitionSession].
type RecognitionSessionConfig struct {
	// StreamID identifies the owning stream in logs.
	StreamID string

	// Provider is the STT backend the session opens channels against.
	Provider stt.Provider

	// Stream is the audio format handed to the provider on every open.
	Stream stt.StreamConfig

	// SessionLimit is the provider's hard ceiling on one channel. Defaults
	// to Provider.MaxStreamDuration. A value of 0 with a provider that
	// reports no ceiling disables rotation.
	SessionLimit time.Duration

	// RestartMargin is how long before SessionLimit the channel is rotated.
	// Default: 20s.
	RestartMargin time.Duration

	// OnRestartFailed is called when a proactive rotation cannot open a
	// replacement channel. The session keeps the old channel and retries;
	// the callback lets the orchestrator count the failure. May be nil.
	OnRestartFailed func(err error)

	// OnRotated is called after each successful channel rotation. May be nil.
	OnRotated func()
}

// RecognitionSession owns one long-lived recognition channel for a stream and
// makes the provider's session-duration ceiling invisible to transcript
// continuity.
//
// Before the ceiling is reached the session opens a replacement channel,
// swaps it in atomically, and closes the old one only once the new one is
// confirmed open. Chunks arriving during the swap are queued and replayed
// against the new channel in arrival order; transcript delivery stays ordered
// because results of the old channel are fully drained before the new
// channel's results are forwarded.
type RecognitionSession struct {
	streamID        string
	provider        stt.Provider
	sttCfg          stt.StreamConfig
	sessionLimit    time.Duration
	restartMargin   time.Duration
	onRestartFailed func(error)
	onRotated       func()

	mu          sync.Mutex
	handle      stt.StreamHandle
	openedAt    time.Time
	opened      bool
	closed      bool
	swapping    bool
	pending     []audio.Chunk // chunks queued while a swap is in flight
	lastFedSeq  uint64
	windowFirst uint64
	eventSeq    uint64

	ctx    context.Context
	cancel context.CancelFunc
	events chan TranscriptEvent
	timer  *time.Timer
	wg     sync.WaitGroup

	// handles carries each channel generation to the forwarder. Sends and the
	// close are serialized by handlesMu, never by s.mu, so a generation handoff
	// can not race Close into a send on a closed channel and never blocks the
	// feed path.
	handlesMu     sync.Mutex
	handlesClosed bool
	handles       chan stt.StreamHandle

	now func() time.Time // test seam
}

// NewRecognitionSession creates a session; call [RecognitionSession.Open] to
// establish the first channel.
func NewRecognitionSession(cfg RecognitionSessionConfig) *RecognitionSession {
	limit := cfg.SessionLimit
	if limit <= 0 {
		limit = cfg.Provider.MaxStreamDuration()
	}
	margin := cfg.RestartMargin
	if margin <= 0 {
		margin = defaultRestartMargin
	}
	return &RecognitionSession{
		streamID:        cfg.StreamID,
		provider:        cfg.Provider,
		sttCfg:          cfg.Stream,
		sessionLimit:    limit,
		restartMargin:   margin,
		onRestartFailed: cfg.OnRestartFailed,
		onRotated:       cfg.OnRotated,
		windowFirst:     1,
		// Room for a few channel generations; rotation is rare.
		handles: make(chan stt.StreamHandle, 4),
		events:  make(chan TranscriptEvent, 64),
		now:     time.Now,
	}
}

// Open establishes the recognition channel and starts the restart timer.
// ctx bounds the life of the whole session, not just the first dial.
func (s *RecognitionSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("recognition session %s: already opened", s.streamID)
	}
	s.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	handle, err := s.provider.StartStream(sessCtx, s.sttCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("recognition session %s: open channel: %w", s.streamID, err)
	}

	s.mu.Lock()
	s.ctx = sessCtx
	s.cancel = cancel
	s.handle = handle
	s.openedAt = s.now()
	s.opened = true
	s.armTimerLocked(s.rotateAfter())
	s.mu.Unlock()

	s.pushHandle(handle)
	s.wg.Add(1)
	go s.forward()

	slog.Info("recognition channel opened",
		"stream_id", s.streamID,
		"session_limit", s.sessionLimit,
		"restart_margin", s.restartMargin,
	)
	return nil
}

// Feed forwards an audio chunk to the open channel, queueing it if a channel
// swap is in flight. Returns [ErrSessionClosed] after Close.
func (s *RecognitionSession) Feed(chunk audio.Chunk) error {
	s.mu.Lock()
	if s.closed || !s.opened {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	// Proactive rotation check on the feed path: the timer covers idle
	// periods, this covers clock injection in tests and timer skew.
	if s.rotationDueLocked() && !s.swapping {
		s.mu.Unlock()
		s.rotate()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
	}

	if s.swapping {
		s.pending = append(s.pending, chunk)
		s.lastFedSeq = chunk.Seq
		s.mu.Unlock()
		return nil
	}

	handle := s.handle
	s.lastFedSeq = chunk.Seq
	err := handle.Send(chunk.Data)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("recognition session %s: feed: %w", s.streamID, err)
	}
	return nil
}

// Events returns the ordered transcript channel. It is closed after Close
// once all pending results have been delivered. The session supports one
// consumer.
func (s *RecognitionSession) Events() <-chan TranscriptEvent {
	return s.events
}

// Age returns how long the current channel has been open.
func (s *RecognitionSession) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return 0
	}
	return s.now().Sub(s.openedAt)
}

// Close terminates the channel and stops the restart timer. Idempotent.
// Chunks queued during an in-flight swap are delivered to the live channel
// first, and pending audio is flushed by the provider handle before its
// result channel closes, so a caller draining [RecognitionSession.Events]
// still observes every transcript.
func (s *RecognitionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	handle := s.handle
	opened := s.opened
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if opened {
		// A swap may be mid-dial; whatever it queued drains to the channel we
		// are about to close so the provider still recognizes those chunks.
		for _, c := range pending {
			if err := handle.Send(c.Data); err != nil {
				slog.Warn("drain of queued chunk on close failed",
					"stream_id", s.streamID, "seq", c.Seq, "error", err)
			}
		}
		if err := handle.Close(); err != nil {
			slog.Warn("recognition channel close error",
				"stream_id", s.streamID, "error", err)
		}
		s.closeHandles()
		s.wg.Wait()
		s.cancel()
	} else {
		s.closeHandles()
		close(s.events)
	}

	slog.Info("recognition session closed", "stream_id", s.streamID)
	return nil
}

// rotationDueLocked reports whether the current channel has reached its
// restart point. Must be called with s.mu held.
func (s *RecognitionSession) rotationDueLocked() bool {
	if s.sessionLimit <= 0 {
		return false
	}
	return s.now().Sub(s.openedAt) >= s.rotateAfter()
}

// rotateAfter returns the channel age at which rotation triggers.
func (s *RecognitionSession) rotateAfter() time.Duration {
	after := s.sessionLimit - s.restartMargin
	if after <= 0 {
		after = s.sessionLimit / 2
	}
	return after
}

// armTimerLocked (re)schedules the rotation timer. Must be called with s.mu
// held. A non-positive session limit disables rotation entirely.
func (s *RecognitionSession) armTimerLocked(d time.Duration) {
	if s.sessionLimit <= 0 || s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.rotate)
}

// rotate performs the proactive channel swap. Chunks arriving while the new
// channel is being opened are queued by Feed and replayed afterwards in
// arrival order. The old channel is closed only after the new one is
// confirmed open; its results drain fully before the new channel's results
// are forwarded, preserving transcript order across the boundary.
func (s *RecognitionSession) rotate() {
	s.mu.Lock()
	if s.closed || !s.opened || s.swapping {
		s.mu.Unlock()
		return
	}
	s.swapping = true
	old := s.handle
	ctx := s.ctx
	s.mu.Unlock()

	slog.Info("rotating recognition channel", "stream_id", s.streamID)

	replacement, err := s.provider.StartStream(ctx, s.sttCfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if err == nil {
			_ = replacement.Close()
		}
		return
	}

	if err != nil {
		// Keep the old channel; it still has the safety margin left. Replay
		// anything that queued while the dial was in flight and retry soon.
		s.swapping = false
		pending := s.pending
		s.pending = nil
		for _, c := range pending {
			if sendErr := old.Send(c.Data); sendErr != nil {
				slog.Warn("replay to old channel failed",
					"stream_id", s.streamID, "seq", c.Seq, "error", sendErr)
			}
		}
		s.armTimerLocked(restartRetryInterval)
		s.mu.Unlock()

		slog.Warn("recognition channel restart failed",
			"stream_id", s.streamID, "error", err)
		if s.onRestartFailed != nil {
			s.onRestartFailed(err)
		}
		return
	}

	// New channel confirmed open: swap, replay the queued chunks in order,
	// then retire the old channel.
	s.handle = replacement
	s.openedAt = s.now()
	s.swapping = false
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if sendErr := replacement.Send(c.Data); sendErr != nil {
			slog.Warn("replay to new channel failed",
				"stream_id", s.streamID, "seq", c.Seq, "error", sendErr)
		}
	}
	s.armTimerLocked(s.rotateAfter())
	s.mu.Unlock()

	s.pushHandle(replacement)
	if err := old.Close(); err != nil {
		slog.Warn("old recognition channel close error",
			"stream_id", s.streamID, "error", err)
	}

	slog.Info("recognition channel rotated",
		"stream_id", s.streamID, "replayed_chunks", len(pending))
	if s.onRotated != nil {
		s.onRotated()
	}
}

// pushHandle hands a channel generation to the forwarder. A generation that
// arrives after Close has sealed the handoff channel is dropped; Close has
// already retired the session's current handle by then.
func (s *RecognitionSession) pushHandle(h stt.StreamHandle) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	if s.handlesClosed {
		return
	}
	s.handles <- h
}

// closeHandles seals the generation handoff channel exactly once.
func (s *RecognitionSession) closeHandles() {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	if !s.handlesClosed {
		s.handlesClosed = true
		close(s.handles)
	}
}

// forward drains each channel generation in order, annotating transcripts
// with session-wide sequence numbers and the chunk window they cover.
func (s *RecognitionSession) forward() {
	defer s.wg.Done()
	defer close(s.events)

	for handle := range s.handles {
		for t := range handle.Results() {
			s.mu.Lock()
			s.eventSeq++
			ev := TranscriptEvent{
				Text:       t.Text,
				IsFinal:    t.IsFinal,
				Confidence: t.Confidence,
				Seq:        s.eventSeq,
				Window:     SeqWindow{First: s.windowFirst, Last: s.lastFedSeq},
			}
			if t.IsFinal {
				s.windowFirst = s.lastFedSeq + 1
			}
			s.mu.Unlock()

			s.events <- ev
		}
	}
}

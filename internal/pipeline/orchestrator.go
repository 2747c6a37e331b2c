package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/audio"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/quality"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/resilience"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
)

// Mode is the orchestrator's processing mode for a stream.
type Mode int

const (
	// ModeStreaming routes chunks to the long-lived recognition channel.
	ModeStreaming Mode = iota

	// ModeBuffered accumulates chunks into windows for batch recognition.
	ModeBuffered

	// ModeRecovering is buffered routing with a pending attempt to return to
	// streaming.
	ModeRecovering
)

// String implements [fmt.Stringer].
func (m Mode) String() string {
	switch m {
	case ModeStreaming:
		return "STREAMING"
	case ModeBuffered:
		return "BUFFERED"
	case ModeRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Default orchestrator tuning.
const (
	defaultFailureThreshold = 3
	defaultQualityFloor     = 0.7
	defaultRecoveryInterval = 30 * time.Second

	// batchQueueDepth bounds in-flight buffered windows per stream. When the
	// queue is full a window is dropped and counted as a failure rather than
	// blocking the ingest path.
	batchQueueDepth = 32
)

// Event is the orchestrator's output: a transcript, or a marker for a window
// whose recognition failed after all retries. Seq is strictly increasing per
// stream across mode switches and channel restarts.
type Event struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Seq        uint64
	Window     SeqWindow

	// Failed marks a window that produced no transcript because recognition
	// failed end to end. Consumers substitute fallback audio for it.
	Failed bool
}

// OrchestratorConfig configures an [Orchestrator]. Provider, Quality,
// Accumulator and Recognize are required.
type OrchestratorConfig struct {
	StreamID string

	// Provider is the STT backend used for both the streaming channel and
	// buffered batch recognition.
	Provider stt.Provider

	// Stream is the audio format for both recognition paths.
	Stream stt.StreamConfig

	// Quality scores the stream's recent processing outcomes.
	Quality *quality.Monitor

	// Accumulator assembles buffered-mode windows.
	Accumulator *audio.Accumulator

	// Recognize guards batch recognition calls with retries, timeouts and
	// the shared STT circuit breaker.
	Recognize *resilience.Wrapper

	// StreamingEnabled selects the initial mode. When false the stream runs
	// buffered for its whole life and no recovery is attempted.
	StreamingEnabled bool

	// FailureThreshold is the consecutive-failure count that triggers
	// fallback from streaming. Default: 3.
	FailureThreshold int

	// QualityFloor triggers fallback when the stream's quality score drops
	// below it. Default: 0.7.
	QualityFloor float64

	// RecoveryInterval is the fixed wait before each attempt to return to
	// streaming. Default: 30s.
	RecoveryInterval time.Duration

	// SessionLimit and RestartMargin are passed to the recognition session;
	// see [RecognitionSessionConfig].
	SessionLimit  time.Duration
	RestartMargin time.Duration

	// OnModeChange is called on every mode transition. Must not block and
	// must not call back into the orchestrator. May be nil.
	OnModeChange func(streamID string, from, to Mode, reason string)

	// OnChannelRestart is called after each streaming channel rotation with
	// its outcome. Must not block. May be nil.
	OnChannelRestart func(streamID string, ok bool)
}

// Orchestrator runs the mode state machine for one stream.
//
// Ingest never rejects a chunk: every failure is absorbed by rerouting
// between the streaming channel and the buffered accumulator. Fallback from
// streaming triggers on either a run of consecutive failures or the quality
// score crossing its floor; recovery back to streaming is attempted on a
// fixed interval, one attempt per interval.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu            sync.Mutex
	mode          Mode
	failures      int // consecutive, reset on success
	started       bool
	stopped       bool
	sess          *RecognitionSession
	pendingSince  time.Time // arrival of the first chunk of the open streaming window
	eventSeq      uint64
	recoveryTimer *time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan Event
	batchCh chan []byte
	wg      sync.WaitGroup

	now func() time.Time // test seam
}

// NewOrchestrator creates an orchestrator; call [Orchestrator.Start] to begin
// processing.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.QualityFloor <= 0 {
		cfg.QualityFloor = defaultQualityFloor
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}
	return &Orchestrator{
		cfg:     cfg,
		events:  make(chan Event, 64),
		batchCh: make(chan []byte, batchQueueDepth),
		now:     time.Now,
	}
}

// Start selects the initial mode and launches the workers. When streaming is
// enabled but the initial channel cannot be opened, the stream starts
// buffered with recovery scheduled; Start itself only fails on reuse.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.wg.Add(1)
	go o.batchWorker()

	if !o.cfg.StreamingEnabled {
		o.mu.Lock()
		o.mode = ModeBuffered
		o.mu.Unlock()
		slog.Info("stream starts buffered, streaming disabled",
			"stream_id", o.cfg.StreamID)
		return nil
	}

	if err := o.openStreaming(); err != nil {
		slog.Warn("initial streaming open failed, starting buffered",
			"stream_id", o.cfg.StreamID, "error", err)
		o.mu.Lock()
		o.mode = ModeBuffered
		o.failures++
		o.transitionLocked(ModeRecovering, "initial streaming open failed")
		o.armRecoveryLocked()
		o.mu.Unlock()
	}
	return nil
}

// Ingest accepts one chunk and routes it by the current mode. It never
// returns an error: routing failures are recorded and absorbed by the state
// machine, and the chunk is rerouted to the buffered path.
func (o *Orchestrator) Ingest(chunk audio.Chunk) {
	o.mu.Lock()
	if o.stopped || !o.started {
		o.mu.Unlock()
		return
	}
	mode := o.mode
	sess := o.sess
	if mode == ModeStreaming && o.pendingSince.IsZero() {
		o.pendingSince = chunk.ReceivedAt
	}
	o.mu.Unlock()

	if mode == ModeStreaming {
		if err := sess.Feed(chunk); err != nil {
			slog.Warn("streaming feed failed, rerouting chunk",
				"stream_id", o.cfg.StreamID, "seq", chunk.Seq, "error", err)
			o.recordOutcome(false, 0)
			o.bufferChunk(chunk)
		}
		return
	}
	o.bufferChunk(chunk)
}

// Events returns the ordered output channel. It is closed by Stop after all
// in-flight work has drained.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Mode returns the current processing mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Failures returns the current consecutive-failure count.
func (o *Orchestrator) Failures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

// Stop flushes any partial buffered window, closes the recognition channel,
// and waits for workers to drain. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped || !o.started {
		o.stopped = true
		o.mu.Unlock()
		return
	}
	o.stopped = true
	if o.recoveryTimer != nil {
		o.recoveryTimer.Stop()
	}
	sess := o.sess
	o.sess = nil
	o.mu.Unlock()

	// A partial window still holds speech; recognize it before shutdown.
	if data := o.cfg.Accumulator.Flush(); len(data) > 0 {
		select {
		case o.batchCh <- data:
		default:
			slog.Warn("dropping final window, batch queue full",
				"stream_id", o.cfg.StreamID, "bytes", len(data))
		}
	}
	close(o.batchCh)

	if sess != nil {
		_ = sess.Close()
	}
	o.wg.Wait()
	o.cancel()
	close(o.events)
}

// bufferChunk runs the buffered path: accumulate, and hand a released window
// to the batch worker.
func (o *Orchestrator) bufferChunk(chunk audio.Chunk) {
	decision := o.cfg.Accumulator.Add(chunk)
	if !decision.Release {
		return
	}

	data := o.cfg.Accumulator.Flush()
	if len(data) == 0 {
		return
	}
	slog.Debug("window released",
		"stream_id", o.cfg.StreamID,
		"reason", decision.Reason,
		"bytes", len(data),
	)

	select {
	case o.batchCh <- data:
	default:
		slog.Warn("dropping window, batch queue full",
			"stream_id", o.cfg.StreamID, "bytes", len(data))
		o.recordOutcome(false, 0)
		o.emit(Event{Failed: true})
	}
}

// batchWorker recognizes released windows one at a time, preserving window
// order within the stream.
func (o *Orchestrator) batchWorker() {
	defer o.wg.Done()

	for data := range o.batchCh {
		start := o.now()
		transcripts, err := resilience.Call(o.cfg.Recognize, o.ctx,
			func(ctx context.Context) ([]stt.Transcript, error) {
				return o.cfg.Provider.Recognize(ctx, o.cfg.Stream, data)
			})
		elapsed := o.now().Sub(start)

		if err != nil {
			slog.Warn("batch recognition failed",
				"stream_id", o.cfg.StreamID, "bytes", len(data), "error", err)
			o.recordOutcome(false, elapsed)
			o.emit(Event{Failed: true})
			continue
		}

		o.recordOutcome(true, elapsed)
		for _, t := range transcripts {
			if t.Text == "" {
				continue
			}
			o.emit(Event{
				Text:       t.Text,
				IsFinal:    true,
				Confidence: t.Confidence,
			})
		}
	}
}

// pump forwards one recognition session's transcripts into the orchestrator
// output, resequencing them into the stream-wide order and scoring final
// results. Each session gets its own pump; it exits when the session's event
// channel closes.
func (o *Orchestrator) pump(sess *RecognitionSession) {
	defer o.wg.Done()

	for ev := range sess.Events() {
		if ev.IsFinal {
			o.mu.Lock()
			since := o.pendingSince
			o.pendingSince = time.Time{}
			o.mu.Unlock()

			latency := time.Duration(0)
			if !since.IsZero() {
				latency = o.now().Sub(since)
			}
			o.recordOutcome(true, latency)
		}
		o.emit(Event{
			Text:       ev.Text,
			IsFinal:    ev.IsFinal,
			Confidence: ev.Confidence,
			Window:     ev.Window,
		})
	}
}

// emit assigns the stream-wide sequence number and delivers the event.
func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	o.eventSeq++
	ev.Seq = o.eventSeq
	o.mu.Unlock()

	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

// recordOutcome feeds the quality monitor, maintains the consecutive-failure
// count, and evaluates the fallback condition.
func (o *Orchestrator) recordOutcome(success bool, latency time.Duration) {
	o.cfg.Quality.RecordSample(o.cfg.StreamID, latency, success)

	o.mu.Lock()
	defer o.mu.Unlock()

	if success {
		o.failures = 0
	} else {
		o.failures++
	}
	if o.mode != ModeStreaming || o.stopped {
		return
	}

	score := o.cfg.Quality.Score(o.cfg.StreamID)
	switch {
	case o.failures >= o.cfg.FailureThreshold:
		o.fallBackLocked("consecutive failures")
	case score < o.cfg.QualityFloor:
		o.fallBackLocked("quality score below floor")
	}
}

// fallBackLocked leaves streaming mode: the channel is drained and closed,
// and recovery is scheduled immediately. Must be called with o.mu held.
func (o *Orchestrator) fallBackLocked(reason string) {
	sess := o.sess
	o.sess = nil
	o.pendingSince = time.Time{}
	o.transitionLocked(ModeBuffered, reason)
	o.transitionLocked(ModeRecovering, "recovery scheduled")
	o.armRecoveryLocked()

	if sess != nil {
		// Closing flushes in-flight audio; the session's pump drains the
		// remaining transcripts before exiting. Done off the lock path so a
		// slow provider close cannot stall ingest.
		go func() { _ = sess.Close() }()
	}
}

// armRecoveryLocked schedules the next single recovery attempt. Must be
// called with o.mu held.
func (o *Orchestrator) armRecoveryLocked() {
	if o.stopped || !o.cfg.StreamingEnabled {
		return
	}
	if o.recoveryTimer != nil {
		o.recoveryTimer.Stop()
	}
	o.recoveryTimer = time.AfterFunc(o.cfg.RecoveryInterval, o.tryRecover)
}

// tryRecover makes one attempt to return to streaming. Failure re-enters
// buffered mode and schedules the next attempt; the interval is fixed, not
// escalating, because the provider's own circuit breaker already dampens a
// hard-down backend.
func (o *Orchestrator) tryRecover() {
	o.mu.Lock()
	if o.stopped || o.mode != ModeRecovering {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err := o.openStreaming(); err != nil {
		slog.Warn("recovery attempt failed",
			"stream_id", o.cfg.StreamID, "error", err)
		o.mu.Lock()
		if !o.stopped && o.mode == ModeRecovering {
			o.transitionLocked(ModeBuffered, "recovery attempt failed")
			o.transitionLocked(ModeRecovering, "recovery rescheduled")
			o.armRecoveryLocked()
		}
		o.mu.Unlock()
	}
}

// openStreaming opens a fresh recognition session and, on success, switches
// the stream to streaming mode.
func (o *Orchestrator) openStreaming() error {
	sess := NewRecognitionSession(RecognitionSessionConfig{
		StreamID:      o.cfg.StreamID,
		Provider:      o.cfg.Provider,
		Stream:        o.cfg.Stream,
		SessionLimit:  o.cfg.SessionLimit,
		RestartMargin: o.cfg.RestartMargin,
		OnRestartFailed: func(err error) {
			o.recordOutcome(false, 0)
			if o.cfg.OnChannelRestart != nil {
				o.cfg.OnChannelRestart(o.cfg.StreamID, false)
			}
		},
		OnRotated: func() {
			if o.cfg.OnChannelRestart != nil {
				o.cfg.OnChannelRestart(o.cfg.StreamID, true)
			}
		},
	})
	if err := sess.Open(o.ctx); err != nil {
		return err
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	o.sess = sess
	o.failures = 0
	if o.mode != ModeStreaming {
		o.transitionLocked(ModeStreaming, "streaming channel open")
	}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.pump(sess)
	return nil
}

// transitionLocked applies a mode change and notifies. Must be called with
// o.mu held; no-op when the mode is unchanged.
func (o *Orchestrator) transitionLocked(to Mode, reason string) {
	from := o.mode
	if from == to {
		return
	}
	o.mode = to

	slog.Info("stream mode changed",
		"stream_id", o.cfg.StreamID,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	if o.cfg.OnModeChange != nil {
		o.cfg.OnModeChange(o.cfg.StreamID, from, to, reason)
	}
}

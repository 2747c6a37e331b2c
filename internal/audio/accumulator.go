package audio

import (
	"sync"
	"time"
)

// Default accumulation bounds.
const (
	defaultMinWindow  = 2 * time.Second
	defaultMaxBytes   = 256 * 1024
	defaultReleaseGap = 700 * time.Millisecond
)

// ReleaseReason explains why an [Accumulator] decided a window is ready.
type ReleaseReason string

const (
	// ReleaseMinWindow means the window has covered the minimum duration.
	ReleaseMinWindow ReleaseReason = "min_window"

	// ReleaseMaxBytes means the window reached the byte ceiling.
	ReleaseMaxBytes ReleaseReason = "max_bytes"

	// ReleaseSpeechGap means an inter-chunk arrival gap suggests the speaker
	// paused, so the accumulated audio is likely speech-complete.
	ReleaseSpeechGap ReleaseReason = "speech_gap"
)

// ReleaseDecision is the outcome of one [Accumulator.Add] call.
type ReleaseDecision struct {
	// Release reports whether the accumulated window should be flushed and
	// sent for batch recognition now.
	Release bool

	// Reason is set when Release is true.
	Reason ReleaseReason
}

// AccumulatorConfig holds tuning knobs for an [Accumulator].
type AccumulatorConfig struct {
	// MinWindow is the elapsed time since the window's first chunk after
	// which the window is released. Default: 2s.
	MinWindow time.Duration

	// MaxBytes releases the window early once this much audio has
	// accumulated, bounding batch-recognition request size. Default: 256KiB.
	MaxBytes int

	// ReleaseGap releases the window early when the arrival gap between two
	// chunks exceeds this duration, treating the pause as an utterance
	// boundary. Default: 700ms.
	ReleaseGap time.Duration
}

// Accumulator assembles raw audio chunks into time- and size-bounded windows
// for batch recognition in buffered mode.
//
// The timing reference for release decisions is the arrival of the current
// window's first chunk. Flushing clears the chunk buffer and the reference
// together, so the next window starts timing from its own first chunk — a
// flush never inherits the previous window's clock, and never stalls the
// next release.
//
// All methods are safe for concurrent use.
type Accumulator struct {
	minWindow  time.Duration
	maxBytes   int
	releaseGap time.Duration

	mu          sync.Mutex
	chunks      [][]byte
	total       int
	windowStart time.Time // zero when the window is empty
	lastArrival time.Time

	now func() time.Time // test seam
}

// NewAccumulator creates an [Accumulator]. Zero-value config fields are
// replaced with defaults.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = defaultMinWindow
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.ReleaseGap <= 0 {
		cfg.ReleaseGap = defaultReleaseGap
	}
	return &Accumulator{
		minWindow:  cfg.MinWindow,
		maxBytes:   cfg.MaxBytes,
		releaseGap: cfg.ReleaseGap,
		now:        time.Now,
	}
}

// Add appends the chunk to the current window and reports whether the window
// should be flushed.
func (a *Accumulator) Add(chunk Chunk) ReleaseDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	gap := time.Duration(0)
	if len(a.chunks) > 0 {
		gap = chunk.ReceivedAt.Sub(a.lastArrival)
	}

	if a.windowStart.IsZero() {
		a.windowStart = chunk.ReceivedAt
	}
	a.chunks = append(a.chunks, chunk.Data)
	a.total += len(chunk.Data)
	a.lastArrival = chunk.ReceivedAt

	switch {
	case a.total >= a.maxBytes:
		return ReleaseDecision{Release: true, Reason: ReleaseMaxBytes}
	case gap >= a.releaseGap:
		return ReleaseDecision{Release: true, Reason: ReleaseSpeechGap}
	case now.Sub(a.windowStart) >= a.minWindow:
		return ReleaseDecision{Release: true, Reason: ReleaseMinWindow}
	}
	return ReleaseDecision{}
}

// Flush returns the accumulated window as one contiguous byte slice and
// resets the accumulator for the next window. Returns nil when the window is
// empty.
func (a *Accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, a.total)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	a.chunks = nil
	a.total = 0
	a.windowStart = time.Time{}
	return out
}

// Len returns the number of buffered bytes in the current window.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a hosted recognition service (Google Cloud
// Speech-to-Text, Deepgram) behind two entry points: a long-lived streaming
// session for low-latency recognition, and a one-shot batch call used by the
// buffered fallback path. The streaming abstraction is [StreamHandle]: once
// opened, a handle accepts raw PCM audio and emits interim and final
// [Transcript] values on a single ordered channel.
//
// Hosted streaming APIs impose a hard session-duration ceiling (documented at
// five minutes for Google). Providers report it via
// [Provider.MaxStreamDuration]; the pipeline rotates handles before the
// ceiling is reached so it never surfaces to callers.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrStreamClosed is returned by [StreamHandle.Send] after the handle has
// been closed.
var ErrStreamClosed = errors.New("stt: stream is closed")

// StreamConfig describes the audio format and recognition hints for a new
// session. All fields must be compatible with what the underlying provider
// supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The relay feeds 16000 Hz
	// mono linear PCM.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono, required by most
	// recognition providers.
	Channels int

	// Language is the BCP-47 language tag of the spoken audio (e.g. "nl-NL").
	Language string

	// InterimResults requests low-latency partial transcripts in addition to
	// finals. Interim transcripts carry no processing obligation downstream.
	InterimResults bool
}

// StreamHandle represents one open streaming recognition channel. It is an
// interface so tests can substitute mock implementations for a live provider
// connection.
//
// Callers must call Close when the handle is no longer needed; failing to do
// so leaks goroutines and network connections inside the provider.
type StreamHandle interface {
	// Send delivers a chunk of raw PCM audio to the provider. Returns
	// [ErrStreamClosed] after Close.
	Send(chunk []byte) error

	// Results returns the ordered channel of interim and final transcripts.
	// The channel is closed after Close once all pending results have been
	// delivered, so a caller that drains it observes every transcript for
	// the audio it sent.
	Results() <-chan Transcript

	// Close flushes pending audio, terminates the channel, and releases all
	// associated resources. Calling Close more than once is safe and returns
	// nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; one streaming session per
// active stream plus batch calls from buffered-mode streams may run at once.
type Provider interface {
	// StartStream opens a new streaming recognition session. The returned
	// handle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// Recognize transcribes a complete audio buffer in one round trip. Used
	// by the buffered fallback path, which trades latency for tolerance of
	// provider instability. Only final transcripts are returned.
	Recognize(ctx context.Context, cfg StreamConfig, audio []byte) ([]Transcript, error)

	// MaxStreamDuration reports the provider's hard ceiling on a single
	// streaming session, or 0 when the provider imposes none.
	MaxStreamDuration() time.Duration
}

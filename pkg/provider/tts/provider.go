// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a hosted synthesis service (Google Cloud
// Text-to-Speech) and renders one translated sentence at a time into encoded
// audio bytes suitable for direct broadcast to listeners.
//
// Implementations must be safe for concurrent use; multiple streams
// synthesize in parallel.
package tts

import "context"

// VoiceConfig selects the synthesis voice and output encoding.
type VoiceConfig struct {
	// Language is the BCP-47 tag of the synthesis voice (e.g. "en-US").
	Language string

	// Name is the provider-specific voice identifier. Empty selects the
	// provider default for Language.
	Name string

	// SpeakingRate adjusts speed in the range [0.25, 4.0]. 0 means default.
	SpeakingRate float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text into a single encoded audio payload using the
	// given voice. The returned bytes are opaque to the pipeline and are
	// broadcast to listeners as-is.
	Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error)
}

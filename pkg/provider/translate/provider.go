// Package translate defines the Provider interface for text translation
// backends.
//
// A translation provider converts one final transcript at a time between a
// fixed source and target language pair. Besides the dedicated machine
// translation backend (Google Cloud Translation), LLM-backed implementations
// exist so the relay can fail over to a general-purpose model when the
// primary is unavailable.
//
// Implementations must be safe for concurrent use.
package translate

import "context"

// Request carries one translation unit. Language tags are ISO 639-1 codes
// (e.g. "nl", "en").
type Request struct {
	// Text is the source-language text to translate.
	Text string

	// SourceLang is the language of Text.
	SourceLang string

	// TargetLang is the language to translate into.
	TargetLang string
}

// Provider is the abstraction over any translation backend.
type Provider interface {
	// Translate converts req.Text from the source to the target language and
	// returns the translated text. An empty input returns an empty result
	// without a provider round trip.
	Translate(ctx context.Context, req Request) (string, error)
}

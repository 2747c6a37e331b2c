// Package mock provides a scriptable in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
)

// Provider is a scriptable tts.Provider. The default behavior returns the
// input text as bytes, so tests can assert on broadcast payloads without
// decoding audio.
type Provider struct {
	mu    sync.Mutex
	calls []string

	// SynthesizeFunc, when set, handles the call.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceConfig) ([]byte, error)
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{}
}

// Synthesize implements tts.Provider, recording the text.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceConfig) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	fn := p.SynthesizeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	return []byte(text), nil
}

// Calls returns the synthesized texts in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ tts.Provider = (*Provider)(nil)

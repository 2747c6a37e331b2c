package resilience

import (
	"context"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
)

// TranslateFallback implements [translate.Provider] with automatic failover
// across multiple translation backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried. This lets the relay degrade from dedicated machine
// translation to an LLM-backed translator instead of dropping transcripts.
type TranslateFallback struct {
	group *FallbackGroup[translate.Provider]
}

// Compile-time interface assertion.
var _ translate.Provider = (*TranslateFallback)(nil)

// NewTranslateFallback creates a [TranslateFallback] with primary as the
// preferred backend.
func NewTranslateFallback(primary translate.Provider, primaryName string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional translation provider as a fallback.
func (f *TranslateFallback) AddFallback(name string, provider translate.Provider) {
	f.group.AddFallback(name, provider)
}

// Backends returns the registered backend names in try order.
func (f *TranslateFallback) Backends() []string {
	return f.group.Names()
}

// Translate sends the request to the first healthy backend and returns its
// result. If the primary fails, subsequent fallbacks are tried.
func (f *TranslateFallback) Translate(ctx context.Context, req translate.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p translate.Provider) (string, error) {
		return p.Translate(ctx, req)
	})
}

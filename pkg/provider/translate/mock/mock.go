// Package mock provides a scriptable in-memory translate.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
)

// Provider is a scriptable translate.Provider. The default behavior echoes
// the input prefixed with the target language, which keeps assertions
// readable.
type Provider struct {
	mu    sync.Mutex
	calls []translate.Request

	// TranslateFunc, when set, handles the call.
	TranslateFunc func(ctx context.Context, req translate.Request) (string, error)
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{}
}

// Translate implements translate.Provider, recording the request.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.TranslateFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return "[" + req.TargetLang + "] " + req.Text, nil
}

// Calls returns the recorded requests in order.
func (p *Provider) Calls() []translate.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]translate.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ translate.Provider = (*Provider)(nil)

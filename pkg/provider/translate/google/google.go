// Package google provides a Google Cloud Translation backed translate
// provider. It implements the translate.Provider interface.
package google

import (
	"context"
	"fmt"

	gtranslate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
)

// Provider implements translate.Provider backed by the Cloud Translation API.
type Provider struct {
	client *gtranslate.Client
}

// New creates a Provider and dials the Translation API. Credentials come from
// the environment unless overridden via client options.
func New(ctx context.Context, opts ...option.ClientOption) (*Provider, error) {
	client, err := gtranslate.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google translate: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	if req.Text == "" {
		return "", nil
	}

	target, err := language.Parse(req.TargetLang)
	if err != nil {
		return "", fmt.Errorf("google translate: parse target %q: %w", req.TargetLang, err)
	}

	opts := &gtranslate.Options{Format: gtranslate.Text}
	if req.SourceLang != "" {
		source, err := language.Parse(req.SourceLang)
		if err != nil {
			return "", fmt.Errorf("google translate: parse source %q: %w", req.SourceLang, err)
		}
		opts.Source = source
	}

	translations, err := p.client.Translate(ctx, []string{req.Text}, target, opts)
	if err != nil {
		return "", fmt.Errorf("google translate: translate: %w", err)
	}
	if len(translations) == 0 {
		return "", fmt.Errorf("google translate: empty response")
	}
	return translations[0].Text, nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

var _ translate.Provider = (*Provider)(nil)

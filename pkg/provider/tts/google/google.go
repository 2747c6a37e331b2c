// Package google provides a Google Cloud Text-to-Speech backed tts provider.
// It implements the tts.Provider interface.
package google

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
)

const (
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSampleRate sets the PCM sample rate of synthesized audio. It must match
// what listeners expect; the broadcaster does not resample.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithClientOptions passes extra options to the underlying API client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements tts.Provider backed by Google Cloud Text-to-Speech.
type Provider struct {
	client     *texttospeech.Client
	sampleRate int
	clientOpts []option.ClientOption
}

// New creates a Provider and dials the Text-to-Speech API.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}

	client, err := texttospeech.NewClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google tts: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Synthesize implements tts.Provider, returning 16-bit little-endian mono PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceConfig) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	lang := voice.Language
	if lang == "" {
		lang = defaultLanguage
	}
	rate := voice.SpeakingRate
	if rate == 0 {
		rate = 1.0
	}

	resp, err := p.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: lang,
			Name:         voice.Name,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: int32(p.sampleRate),
			SpeakingRate:    rate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google tts: synthesize: %w", err)
	}
	return resp.GetAudioContent(), nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

var _ tts.Provider = (*Provider)(nil)

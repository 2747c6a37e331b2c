// Package google provides a Google Cloud Speech-to-Text backed STT provider.
// It implements stt.Provider for both the streaming gRPC API and the batch
// Recognize API.
package google

import (
	"context"
	"fmt"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
)

const (
	defaultLanguage   = "nl-NL"
	defaultSampleRate = 16000

	// maxStreamDuration is Google's documented hard ceiling on a single
	// streaming recognition session.
	maxStreamDuration = 5 * time.Minute
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 recognition language (e.g., "nl-NL").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithClientOptions passes extra options to the underlying API client, e.g.
// option.WithCredentialsFile for explicit service-account credentials.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Provider implements stt.Provider backed by Google Cloud Speech-to-Text.
type Provider struct {
	client     *speech.Client
	language   string
	sampleRate int
	clientOpts []option.ClientOption
}

// New creates a Provider and dials the Speech API. Credentials come from the
// environment (Application Default Credentials) unless overridden via
// [WithClientOptions].
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}

	client, err := speech.NewClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google stt: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// MaxStreamDuration returns Google's per-session streaming ceiling.
func (p *Provider) MaxStreamDuration() time.Duration {
	return maxStreamDuration
}

// StartStream opens a streaming recognition session. The configuration
// request is sent before the handle is returned, so a returned handle is a
// confirmed-open session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	grpcStream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("google stt: open stream: %w", err)
	}

	if err := grpcStream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         p.recognitionConfig(cfg),
				InterimResults: cfg.InterimResults,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("google stt: send config: %w", err)
	}

	h := &handle{
		stream:  grpcStream,
		results: make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	h.wg.Add(2)
	go h.writeLoop()
	go h.readLoop()
	return h, nil
}

// Recognize runs batch recognition over one contiguous audio buffer.
func (p *Provider) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) ([]stt.Transcript, error) {
	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: p.recognitionConfig(cfg),
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google stt: recognize: %w", err)
	}

	var out []stt.Transcript
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		out = append(out, stt.Transcript{
			Text:       alts[0].GetTranscript(),
			IsFinal:    true,
			Confidence: float64(alts[0].GetConfidence()),
		})
	}
	return out, nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// recognitionConfig maps the transport-agnostic stream config onto the API's
// recognition config, falling back to provider defaults.
func (p *Provider) recognitionConfig(cfg stt.StreamConfig) *speechpb.RecognitionConfig {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	return &speechpb.RecognitionConfig{
		Encoding:          speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:   int32(sr),
		LanguageCode:      lang,
		AudioChannelCount: int32(channels),
	}
}

// ---- handle ----

// handle is a live streaming recognition session. It implements
// stt.StreamHandle.
type handle struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	results chan stt.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Send queues an audio chunk for delivery to the recognizer.
func (h *handle) Send(chunk []byte) error {
	select {
	case <-h.done:
		return stt.ErrStreamClosed
	default:
	}
	select {
	case h.audio <- chunk:
		return nil
	case <-h.done:
		return stt.ErrStreamClosed
	}
}

// Results returns the transcript channel. It is closed once the server side
// of the stream ends, after Close has flushed pending audio.
func (h *handle) Results() <-chan stt.Transcript {
	return h.results
}

// Close flushes queued audio, half-closes the gRPC stream so the recognizer
// returns results for everything sent, and waits for the read side to drain.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio chunks as streaming requests. On shutdown
// it drains whatever is queued before half-closing the stream.
func (h *handle) writeLoop() {
	defer h.wg.Done()
	defer func() {
		_ = h.stream.CloseSend()
	}()

	for {
		select {
		case chunk := <-h.audio:
			if err := h.sendAudio(chunk); err != nil {
				return
			}
		case <-h.done:
			for {
				select {
				case chunk := <-h.audio:
					if err := h.sendAudio(chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *handle) sendAudio(chunk []byte) error {
	return h.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

// readLoop receives streaming responses and forwards transcripts until the
// server ends the stream.
func (h *handle) readLoop() {
	defer h.wg.Done()
	defer close(h.results)

	for {
		resp, err := h.stream.Recv()
		if err != nil {
			// io.EOF after CloseSend, or cancellation. Either way the
			// session is over.
			return
		}
		if apiErr := resp.GetError(); apiErr != nil {
			continue
		}
		for _, res := range resp.GetResults() {
			alts := res.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			t := stt.Transcript{
				Text:       alts[0].GetTranscript(),
				IsFinal:    res.GetIsFinal(),
				Confidence: float64(alts[0].GetConfidence()),
			}
			select {
			case h.results <- t:
			case <-h.done:
				// Keep draining so the server-side flush is not lost; a
				// blocked consumer after Close forfeits remaining results.
				select {
				case h.results <- t:
				default:
				}
			}
		}
	}
}

var _ stt.Provider = (*Provider)(nil)

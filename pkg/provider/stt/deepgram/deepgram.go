// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API and the prerecorded REST API for batch recognition.
// It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
)

const (
	streamEndpoint = "wss://api.deepgram.com/v1/listen"
	batchEndpoint  = "https://api.deepgram.com/v1/listen"

	defaultModel      = "nova-3"
	defaultLanguage   = "nl"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "nl", "nl-BE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithHTTPClient overrides the HTTP client used for batch recognition.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements stt.Provider backed by Deepgram.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// MaxStreamDuration returns 0: Deepgram documents no hard per-session
// ceiling, so sessions run without proactive rotation.
func (p *Provider) MaxStreamDuration() time.Duration {
	return 0
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	wsURL, err := p.buildURL(streamEndpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	h := &handle{
		conn:    conn,
		results: make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	h.wg.Add(2)
	go h.readLoop(ctx)
	go h.writeLoop(ctx)
	return h, nil
}

// Recognize runs one contiguous audio buffer through the prerecorded API.
func (p *Provider) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) ([]stt.Transcript, error) {
	reqURL, err := p.buildURL(batchEndpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: recognize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: recognize: status %d: %s", resp.StatusCode, body)
	}

	var parsed batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}

	var out []stt.Transcript
	for _, ch := range parsed.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		alt := ch.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		out = append(out, stt.Transcript{
			Text:       alt.Transcript,
			IsFinal:    true,
			Confidence: alt.Confidence,
		})
	}
	return out, nil
}

// buildURL constructs a Deepgram endpoint URL for the given config.
func (p *Provider) buildURL(endpoint string, cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- streaming handle ----

// streamResponse is the JSON structure returned by Deepgram for a Results event.
type streamResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// batchResponse is the prerecorded API's response envelope.
type batchResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// handle is a live Deepgram streaming session. It implements stt.StreamHandle.
type handle struct {
	conn    *websocket.Conn
	results chan stt.Transcript
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Send queues a PCM audio chunk for delivery to Deepgram.
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

// Results returns the transcript channel.
func (h *handle) Results() <-chan stt.Transcript { return h.results }

// Close terminates the session cleanly, asking Deepgram to flush pending
// audio before the socket goes down.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		h.wg.Wait()
		h.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (h *handle) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case chunk := <-h.audio:
			if err := h.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-h.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk := <-h.audio:
					_ = h.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches transcripts.
func (h *handle) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.results)

	for {
		_, msg, err := h.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		t, ok := parseStreamResponse(msg)
		if !ok {
			continue
		}
		select {
		case h.results <- t:
		case <-h.done:
			select {
			case h.results <- t:
			default:
			}
		}
	}
}

// parseStreamResponse parses a raw Deepgram WebSocket message into a
// Transcript. Returns false if the message should be ignored.
func parseStreamResponse(data []byte) (stt.Transcript, bool) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}

var _ stt.Provider = (*Provider)(nil)

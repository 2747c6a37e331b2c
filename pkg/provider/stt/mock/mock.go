// Package mock provides a scriptable in-memory stt.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
)

// Provider is a scriptable stt.Provider. Every opened stream is recorded and
// can be driven by the test: inspect what was sent, emit transcripts, and
// observe closes. The zero value via New is ready to use.
type Provider struct {
	mu          sync.Mutex
	maxDuration time.Duration
	startErrs   []error
	startCalls  int
	handles     []*Handle

	// RecognizeFunc, when set, handles batch recognition. The default
	// returns a single final transcript.
	RecognizeFunc func(ctx context.Context, cfg stt.StreamConfig, audio []byte) ([]stt.Transcript, error)
}

// New creates a mock provider with no session ceiling.
func New() *Provider {
	return &Provider{}
}

// SetMaxStreamDuration sets the value MaxStreamDuration reports.
func (p *Provider) SetMaxStreamDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxDuration = d
}

// FailNextStart queues an error for the next StartStream call. Multiple
// queued errors are consumed in order.
func (p *Provider) FailNextStart(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErrs = append(p.startErrs, err)
}

// MaxStreamDuration implements stt.Provider.
func (p *Provider) MaxStreamDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxDuration
}

// StartStream implements stt.Provider. It returns a queued error if one is
// pending, otherwise records and returns a fresh [Handle].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++

	if len(p.startErrs) > 0 {
		err := p.startErrs[0]
		p.startErrs = p.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	h := &Handle{
		Config:  cfg,
		results: make(chan stt.Transcript, 64),
	}
	p.handles = append(p.handles, h)
	return h, nil
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) ([]stt.Transcript, error) {
	p.mu.Lock()
	fn := p.RecognizeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg, audio)
	}
	return []stt.Transcript{{Text: "mock transcript", IsFinal: true, Confidence: 0.95}}, nil
}

// StartCalls returns how many times StartStream was invoked, including
// failed calls.
func (p *Provider) StartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls
}

// Handles returns every handle handed out so far, in open order.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// Handle is a recorded mock stream. Tests drive it with Emit and inspect it
// with Sent and IsClosed.
type Handle struct {
	Config stt.StreamConfig

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
	results chan stt.Transcript
}

// Send implements stt.StreamHandle, recording the chunk.
func (h *Handle) Send(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return stt.ErrStreamClosed
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	h.sent = append(h.sent, buf)
	return nil
}

// Results implements stt.StreamHandle.
func (h *Handle) Results() <-chan stt.Transcript { return h.results }

// Close implements stt.StreamHandle. Closing the handle closes its results
// channel, mirroring a real provider flushing and ending the stream.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.results)
	return nil
}

// Emit delivers a transcript to the handle's consumer. Panics if the handle
// is closed, which in a test is the bug being looked for.
func (h *Handle) Emit(t stt.Transcript) {
	h.results <- t
}

// FailSends makes every subsequent Send return err.
func (h *Handle) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// Sent returns the chunks sent so far, in order.
func (h *Handle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.sent))
	copy(out, h.sent)
	return out
}

// IsClosed reports whether Close has been called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var _ stt.Provider = (*Provider)(nil)

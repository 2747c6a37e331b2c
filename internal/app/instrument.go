package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/stt"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/translate"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/pkg/provider/tts"
)

// The measured* types decorate providers with request counters and latency
// histograms, so every provider call is visible in /metrics regardless of
// which pipeline path issued it.

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// channelRestartAttrs labels a channel rotation with its outcome.
func channelRestartAttrs(status string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("status", status))
}

type measuredSTT struct {
	next    stt.Provider
	name    string
	metrics *observe.Metrics
}

func (m *measuredSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	h, err := m.next.StartStream(ctx, cfg)
	m.metrics.RecordProviderRequest(ctx, m.name, "stt_stream", status(err))
	if err != nil {
		m.metrics.RecordProviderError(ctx, m.name, "stt_stream")
	}
	return h, err
}

func (m *measuredSTT) Recognize(ctx context.Context, cfg stt.StreamConfig, audio []byte) ([]stt.Transcript, error) {
	start := time.Now()
	out, err := m.next.Recognize(ctx, cfg, audio)
	m.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.RecordProviderRequest(ctx, m.name, "stt_batch", status(err))
	if err != nil {
		m.metrics.RecordProviderError(ctx, m.name, "stt_batch")
	}
	return out, err
}

func (m *measuredSTT) MaxStreamDuration() time.Duration {
	return m.next.MaxStreamDuration()
}

type measuredTranslate struct {
	next    translate.Provider
	name    string
	metrics *observe.Metrics
}

func (m *measuredTranslate) Translate(ctx context.Context, req translate.Request) (string, error) {
	start := time.Now()
	out, err := m.next.Translate(ctx, req)
	m.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.RecordProviderRequest(ctx, m.name, "translate", status(err))
	if err != nil {
		m.metrics.RecordProviderError(ctx, m.name, "translate")
	}
	return out, err
}

type measuredTTS struct {
	next    tts.Provider
	name    string
	metrics *observe.Metrics
}

func (m *measuredTTS) Synthesize(ctx context.Context, text string, voice tts.VoiceConfig) ([]byte, error) {
	start := time.Now()
	out, err := m.next.Synthesize(ctx, text, voice)
	m.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.RecordProviderRequest(ctx, m.name, "tts", status(err))
	if err != nil {
		m.metrics.RecordProviderError(ctx, m.name, "tts")
	}
	return out, err
}

var (
	_ stt.Provider       = (*measuredSTT)(nil)
	_ translate.Provider = (*measuredTranslate)(nil)
	_ tts.Provider       = (*measuredTTS)(nil)
)

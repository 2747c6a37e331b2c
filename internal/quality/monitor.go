// Package quality tracks per-stream processing quality and derives the
// bounded score that drives streaming-versus-buffered mode decisions.
//
// Every completed chunk contributes exactly one sample; the monitor keeps a
// fixed-size rolling window per stream and recomputes the score on demand.
// Nothing is persisted — a process restart starts every stream from the
// neutral default, which deliberately favours streaming mode.
//
// All methods are safe for concurrent use.
package quality

import (
	"sort"
	"sync"
	"time"
)

// Default tuning values.
const (
	defaultWindowSize    = 50
	defaultNeutralScore  = 0.85
	defaultSuccessWeight = 0.7
	defaultLatencyTarget = 2 * time.Second
)

// Sample is one completed processing attempt for a stream.
type Sample struct {
	// Latency is how long the attempt took end to end.
	Latency time.Duration

	// Success reports whether the attempt completed without error.
	Success bool
}

// MonitorConfig holds tuning knobs for a [Monitor].
type MonitorConfig struct {
	// WindowSize is the number of recent samples retained per stream; older
	// samples are evicted FIFO. Default: 50.
	WindowSize int

	// NeutralScore is returned for streams with an empty window. Default:
	// 0.85, high enough to keep a fresh stream in streaming mode.
	NeutralScore float64

	// SuccessWeight is the weight of the recent success rate in the combined
	// score; the latency component gets the remainder. Default: 0.7.
	SuccessWeight float64

	// LatencyTarget is the p95 latency that still earns a full latency
	// score. A p95 at twice the target scores zero. Default: 2s.
	LatencyTarget time.Duration
}

// Monitor accumulates rolling latency/success samples per stream and computes
// a bounded quality score in [0,1].
type Monitor struct {
	windowSize    int
	neutralScore  float64
	successWeight float64
	latencyTarget time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// window is a FIFO ring of the most recent samples for one stream.
type window struct {
	samples []Sample
	next    int
	full    bool
}

// NewMonitor creates a [Monitor]. Zero-value config fields are replaced with
// defaults.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.NeutralScore <= 0 {
		cfg.NeutralScore = defaultNeutralScore
	}
	if cfg.SuccessWeight <= 0 || cfg.SuccessWeight > 1 {
		cfg.SuccessWeight = defaultSuccessWeight
	}
	if cfg.LatencyTarget <= 0 {
		cfg.LatencyTarget = defaultLatencyTarget
	}
	return &Monitor{
		windowSize:    cfg.WindowSize,
		neutralScore:  cfg.NeutralScore,
		successWeight: cfg.SuccessWeight,
		latencyTarget: cfg.LatencyTarget,
		windows:       make(map[string]*window),
	}
}

// RecordSample appends one completed attempt to the stream's rolling window,
// evicting the oldest sample once the window is full.
func (m *Monitor) RecordSample(streamID string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[streamID]
	if !ok {
		w = &window{samples: make([]Sample, m.windowSize)}
		m.windows[streamID] = w
	}
	w.samples[w.next] = Sample{Latency: latency, Success: success}
	w.next++
	if w.next == m.windowSize {
		w.next = 0
		w.full = true
	}
}

// Score returns the stream's quality score in [0,1]: a weighted combination
// of the window's success rate and its p95 latency relative to the configured
// target. An empty window returns the neutral default.
func (m *Monitor) Score(streamID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[streamID]
	if !ok {
		return m.neutralScore
	}
	n := w.next
	if w.full {
		n = m.windowSize
	}
	if n == 0 {
		return m.neutralScore
	}

	successes := 0
	latencies := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		s := w.samples[i]
		if s.Success {
			successes++
		}
		latencies = append(latencies, s.Latency)
	}

	successRate := float64(successes) / float64(n)
	latencyScore := m.latencyScore(latencies)

	score := m.successWeight*successRate + (1-m.successWeight)*latencyScore
	return clamp01(score)
}

// Forget drops the stream's window, returning it to the neutral default.
// Called when a stream session is destroyed.
func (m *Monitor) Forget(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, streamID)
}

// latencyScore maps the p95 of the given latencies onto [0,1]: at or below
// the target scores 1, at twice the target or worse scores 0, linear between.
func (m *Monitor) latencyScore(latencies []time.Duration) float64 {
	p95 := percentile(latencies, 0.95)
	if p95 <= m.latencyTarget {
		return 1
	}
	over := float64(p95-m.latencyTarget) / float64(m.latencyTarget)
	return clamp01(1 - over)
}

// percentile returns the p-quantile (0 < p <= 1) of the given durations using
// nearest-rank on a sorted copy.
func percentile(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

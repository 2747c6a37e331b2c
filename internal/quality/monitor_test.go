package quality

import (
	"testing"
	"time"
)

func TestMonitor_NeutralScoreForUnknownStream(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{})
	if got := m.Score("nobody"); got != defaultNeutralScore {
		t.Fatalf("Score = %v, want neutral %v", got, defaultNeutralScore)
	}
}

func TestMonitor_AllSuccessFastScoresOne(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{LatencyTarget: 2 * time.Second})
	for i := 0; i < 20; i++ {
		m.RecordSample("s", 100*time.Millisecond, true)
	}
	if got := m.Score("s"); got != 1.0 {
		t.Fatalf("Score = %v, want 1.0", got)
	}
}

func TestMonitor_FailuresDragScoreDown(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{WindowSize: 10, LatencyTarget: 2 * time.Second})
	for i := 0; i < 5; i++ {
		m.RecordSample("s", 100*time.Millisecond, true)
	}
	for i := 0; i < 5; i++ {
		m.RecordSample("s", 100*time.Millisecond, false)
	}

	// success rate 0.5 at weight 0.7, latency component 1.0 at weight 0.3.
	want := 0.7*0.5 + 0.3*1.0
	got := m.Score("s")
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestMonitor_SlowLatencyDragsScoreDown(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{LatencyTarget: time.Second})
	// All successful, but at twice the latency target the latency component
	// scores zero.
	for i := 0; i < 20; i++ {
		m.RecordSample("s", 2*time.Second, true)
	}
	want := 0.7 * 1.0
	got := m.Score("s")
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestMonitor_WindowEvictsOldSamples(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{WindowSize: 4, LatencyTarget: 2 * time.Second})

	// Fill the window with failures, then push them all out with successes.
	for i := 0; i < 4; i++ {
		m.RecordSample("s", 10*time.Millisecond, false)
	}
	for i := 0; i < 4; i++ {
		m.RecordSample("s", 10*time.Millisecond, true)
	}
	if got := m.Score("s"); got != 1.0 {
		t.Fatalf("Score = %v, want 1.0 after old failures were evicted", got)
	}
}

func TestMonitor_StreamsAreIndependent(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{})
	for i := 0; i < 10; i++ {
		m.RecordSample("bad", time.Millisecond, false)
		m.RecordSample("good", time.Millisecond, true)
	}
	if bad, good := m.Score("bad"), m.Score("good"); bad >= good {
		t.Fatalf("Score(bad) = %v, Score(good) = %v; want bad < good", bad, good)
	}
}

func TestMonitor_ForgetRestoresNeutral(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{})
	for i := 0; i < 10; i++ {
		m.RecordSample("s", time.Millisecond, false)
	}
	if got := m.Score("s"); got >= defaultNeutralScore {
		t.Fatalf("Score before Forget = %v, want below neutral", got)
	}

	m.Forget("s")
	if got := m.Score("s"); got != defaultNeutralScore {
		t.Fatalf("Score after Forget = %v, want neutral %v", got, defaultNeutralScore)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	ds := make([]time.Duration, 0, 100)
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.5, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{1.0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(ds, tt.p); got != tt.want {
			t.Errorf("percentile(p=%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("percentile(empty) = %v, want 0", got)
	}
}

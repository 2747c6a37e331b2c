package audio

import (
	"bytes"
	"testing"
	"time"
)

// fakeClock returns a now func the test can advance manually.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestAccumulator_NoReleaseBeforeAnyBound(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, _ := fakeClock(base)
	a := NewAccumulator(AccumulatorConfig{MinWindow: 2 * time.Second, MaxBytes: 1024, ReleaseGap: 700 * time.Millisecond})
	a.now = now

	d := a.Add(Chunk{Data: []byte{1, 2, 3}, Seq: 1, ReceivedAt: base})
	if d.Release {
		t.Fatalf("decision = %+v, want no release", d)
	}
	if a.Len() != 3 {
		t.Fatalf("Len = %d, want 3", a.Len())
	}
}

func TestAccumulator_ReleaseOnMinWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, advance := fakeClock(base)
	a := NewAccumulator(AccumulatorConfig{MinWindow: 2 * time.Second, MaxBytes: 1 << 20, ReleaseGap: time.Hour})
	a.now = now

	a.Add(Chunk{Data: []byte{1}, Seq: 1, ReceivedAt: base})
	advance(2 * time.Second)
	d := a.Add(Chunk{Data: []byte{2}, Seq: 2, ReceivedAt: base.Add(100 * time.Millisecond)})
	if !d.Release || d.Reason != ReleaseMinWindow {
		t.Fatalf("decision = %+v, want release with reason min_window", d)
	}
}

func TestAccumulator_ReleaseOnMaxBytes(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, _ := fakeClock(base)
	a := NewAccumulator(AccumulatorConfig{MinWindow: time.Hour, MaxBytes: 4, ReleaseGap: time.Hour})
	a.now = now

	a.Add(Chunk{Data: []byte{1, 2}, Seq: 1, ReceivedAt: base})
	d := a.Add(Chunk{Data: []byte{3, 4}, Seq: 2, ReceivedAt: base.Add(time.Millisecond)})
	if !d.Release || d.Reason != ReleaseMaxBytes {
		t.Fatalf("decision = %+v, want release with reason max_bytes", d)
	}
}

func TestAccumulator_ReleaseOnSpeechGap(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, _ := fakeClock(base)
	a := NewAccumulator(AccumulatorConfig{MinWindow: time.Hour, MaxBytes: 1 << 20, ReleaseGap: 700 * time.Millisecond})
	a.now = now

	a.Add(Chunk{Data: []byte{1}, Seq: 1, ReceivedAt: base})
	d := a.Add(Chunk{Data: []byte{2}, Seq: 2, ReceivedAt: base.Add(800 * time.Millisecond)})
	if !d.Release || d.Reason != ReleaseSpeechGap {
		t.Fatalf("decision = %+v, want release with reason speech_gap", d)
	}
}

func TestAccumulator_FlushConcatenatesInOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := NewAccumulator(AccumulatorConfig{})
	a.now = func() time.Time { return base }

	a.Add(Chunk{Data: []byte("abc"), Seq: 1, ReceivedAt: base})
	a.Add(Chunk{Data: []byte("def"), Seq: 2, ReceivedAt: base.Add(time.Millisecond)})

	got := a.Flush()
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("Flush = %q, want abcdef", got)
	}
	if a.Len() != 0 {
		t.Fatalf("Len after Flush = %d, want 0", a.Len())
	}
	if again := a.Flush(); again != nil {
		t.Fatalf("second Flush = %v, want nil", again)
	}
}

func TestAccumulator_NextWindowTimesFromOwnFirstChunk(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now, advance := fakeClock(base)
	a := NewAccumulator(AccumulatorConfig{MinWindow: 2 * time.Second, MaxBytes: 1 << 20, ReleaseGap: time.Hour})
	a.now = now

	a.Add(Chunk{Data: []byte{1}, Seq: 1, ReceivedAt: base})
	advance(3 * time.Second)
	a.Flush()

	// The new window must not inherit the old window's start time.
	d := a.Add(Chunk{Data: []byte{2}, Seq: 2, ReceivedAt: base.Add(3 * time.Second)})
	if d.Release {
		t.Fatalf("decision = %+v, want no release for a fresh window", d)
	}
}

func TestMarkerTone(t *testing.T) {
	t.Parallel()

	tone := MarkerTone(16000, 440.0, 0.2)

	wantLen := 2 * int(16000*0.2)
	if len(tone) != wantLen {
		t.Fatalf("len = %d, want %d (16-bit mono PCM)", len(tone), wantLen)
	}

	// Fade-in means the first sample is silent; the middle must not be.
	if tone[0] != 0 || tone[1] != 0 {
		t.Errorf("first sample = [%d %d], want silence at fade-in", tone[0], tone[1])
	}
	mid := len(tone) / 2
	allZero := true
	for i := mid; i < mid+32; i += 2 {
		if tone[i] != 0 || tone[i+1] != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("tone is silent in the middle, want an audible sine")
	}
}

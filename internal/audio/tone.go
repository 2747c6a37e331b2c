package audio

import (
	"encoding/binary"
	"math"
)

// MarkerTone synthesizes a short sine beep as 16-bit little-endian mono PCM.
// It is broadcast to listeners in place of a chunk that failed end to end, so
// listener-side playback state stays coherent instead of going silent.
func MarkerTone(sampleRate int, freqHz float64, duration float64) []byte {
	n := int(float64(sampleRate) * duration)
	out := make([]byte, 2*n)

	// Fade in and out over 10ms to avoid clicks.
	fade := sampleRate / 100
	for i := 0; i < n; i++ {
		amp := 0.25
		if i < fade {
			amp *= float64(i) / float64(fade)
		} else if n-i < fade {
			amp *= float64(n-i) / float64(fade)
		}
		sample := amp * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample*math.MaxInt16)))
	}
	return out
}

// Package audio holds the audio-domain value types and buffering primitives
// shared by the pipeline: the immutable [Chunk] passed from transport to
// recognition, the [Accumulator] that assembles buffered-mode windows, and
// the marker tone broadcast when a chunk fails end to end.
package audio

import "time"

// Chunk is one immutable unit of inbound speaker audio. Chunks are produced
// by the transport layer and consumed exactly once, by either the streaming
// recognition session or the buffered accumulator.
type Chunk struct {
	// Data is the raw audio payload. Never mutated after construction.
	Data []byte

	// Seq is the chunk's position in the stream, monotonically increasing
	// from 1 in arrival order.
	Seq uint64

	// ReceivedAt is the arrival timestamp assigned by the transport layer.
	ReceivedAt time.Time
}

// Package broadcast fans synthesized audio out from one stream to all of its
// connected listeners.
//
// The [Broadcaster] owns, per stream identifier, the set of active listener
// connections. Listener sets are isolated: each set has its own lock, so a
// broadcast or membership change on one stream never blocks another. Sends
// are fire-and-forget per listener with a bounded timeout — a send failure is
// terminal for that listener (it is removed) and never for the stream.
//
// All methods are safe for concurrent use.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultSendTimeout bounds a single listener send so one slow consumer
// cannot stall delivery to the rest.
const defaultSendTimeout = 2 * time.Second

// Conn is the outbound side of one listener connection. Implementations wrap
// the transport socket; Send must be safe for concurrent use with Close.
type Conn interface {
	// Send delivers one binary payload to the listener. A non-nil error is
	// terminal: the broadcaster removes the connection and never retries.
	Send(ctx context.Context, payload []byte) error
}

// ControlConn is implemented by connections that also carry a control plane.
// [Broadcaster.BroadcastControl] delivers to these; connections without a
// control channel are skipped, not evicted.
type ControlConn interface {
	Conn

	// SendControl delivers one control payload to the listener. Errors are
	// terminal, as with Send.
	SendControl(ctx context.Context, payload []byte) error
}

// ListenerInfo is the metadata tracked for one registered listener.
type ListenerInfo struct {
	// ConnectedAt is when the listener was registered.
	ConnectedAt time.Time

	// LastSendAt is when the listener last received a payload successfully.
	// Zero until the first delivery.
	LastSendAt time.Time
}

// Result reports the outcome of one [Broadcaster.Broadcast] call.
type Result struct {
	// Delivered is the number of listeners that received the payload.
	Delivered int

	// Removed is the number of listeners evicted because their send failed.
	Removed int
}

// listenerSet is the per-stream registry. Its lock is scoped to one stream.
type listenerSet struct {
	mu    sync.Mutex
	conns map[Conn]*ListenerInfo
}

// Broadcaster routes payloads to per-stream listener sets.
type Broadcaster struct {
	sendTimeout time.Duration

	mu      sync.RWMutex
	streams map[string]*listenerSet

	now func() time.Time // test seam
}

// Option configures a [Broadcaster].
type Option func(*Broadcaster)

// WithSendTimeout bounds each individual listener send. The default is 2s.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// New creates an empty [Broadcaster].
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sendTimeout: defaultSendTimeout,
		streams:     make(map[string]*listenerSet),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddListener registers conn under the stream's listener set. Idempotent if
// the connection is already present. Listeners may register before any
// speaker exists for the stream; that is a successful no-op registration.
func (b *Broadcaster) AddListener(streamID string, conn Conn) {
	set := b.set(streamID, true)

	set.mu.Lock()
	if _, ok := set.conns[conn]; !ok {
		set.conns[conn] = &ListenerInfo{ConnectedAt: b.now()}
	}
	n := len(set.conns)
	set.mu.Unlock()

	slog.Debug("listener added", "stream_id", streamID, "listeners", n)
}

// RemoveListener removes conn from the stream's listener set. Removing an
// absent connection is not an error; callers invoke this on every
// connection-close path (normal close, error, and timeout), so double
// removal is routine.
func (b *Broadcaster) RemoveListener(streamID string, conn Conn) {
	set := b.set(streamID, false)
	if set == nil {
		return
	}

	set.mu.Lock()
	_, present := set.conns[conn]
	delete(set.conns, conn)
	empty := len(set.conns) == 0
	set.mu.Unlock()

	if empty {
		b.dropIfEmpty(streamID)
	}
	if present {
		slog.Debug("listener removed", "stream_id", streamID)
	}
}

// Broadcast delivers payload to every currently registered listener for the
// stream. A failed send removes that listener and does not abort delivery to
// the rest. Iteration works on a snapshot, so the set lock is never held
// across a send.
func (b *Broadcaster) Broadcast(ctx context.Context, streamID string, payload []byte) Result {
	return b.fanOut(ctx, streamID, func(ctx context.Context, c Conn) (bool, error) {
		return true, c.Send(ctx, payload)
	})
}

// BroadcastControl delivers a control payload to every registered listener
// whose connection carries a control plane ([ControlConn]). Listeners without
// one are skipped and stay registered; a failed control send evicts the
// listener exactly like a failed audio send.
func (b *Broadcaster) BroadcastControl(ctx context.Context, streamID string, payload []byte) Result {
	return b.fanOut(ctx, streamID, func(ctx context.Context, c Conn) (bool, error) {
		cc, ok := c.(ControlConn)
		if !ok {
			return false, nil
		}
		return true, cc.SendControl(ctx, payload)
	})
}

// fanOut runs one delivery pass over a snapshot of the stream's listeners.
// send reports whether it attempted delivery; unattempted connections count
// neither as delivered nor as failed.
func (b *Broadcaster) fanOut(ctx context.Context, streamID string, send func(context.Context, Conn) (bool, error)) Result {
	set := b.set(streamID, false)
	if set == nil {
		return Result{}
	}

	// Snapshot under the per-stream lock.
	set.mu.Lock()
	conns := make([]Conn, 0, len(set.conns))
	for c := range set.conns {
		conns = append(conns, c)
	}
	set.mu.Unlock()

	var res Result
	var failed []Conn
	for _, conn := range conns {
		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		attempted, err := send(sendCtx, conn)
		cancel()

		if !attempted {
			continue
		}
		if err != nil {
			failed = append(failed, conn)
			continue
		}
		res.Delivered++

		set.mu.Lock()
		if info, ok := set.conns[conn]; ok {
			info.LastSendAt = b.now()
		}
		set.mu.Unlock()
	}

	for _, conn := range failed {
		set.mu.Lock()
		if _, ok := set.conns[conn]; ok {
			delete(set.conns, conn)
			res.Removed++
		}
		set.mu.Unlock()
		slog.Warn("listener evicted after failed send", "stream_id", streamID)
	}
	if res.Removed > 0 {
		b.dropIfEmpty(streamID)
	}

	return res
}

// ListenerCount returns the number of listeners registered for the stream.
func (b *Broadcaster) ListenerCount(streamID string) int {
	set := b.set(streamID, false)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.conns)
}

// set returns the stream's listener set, creating it when create is true.
func (b *Broadcaster) set(streamID string, create bool) *listenerSet {
	b.mu.RLock()
	set := b.streams[streamID]
	b.mu.RUnlock()
	if set != nil || !create {
		return set
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if set = b.streams[streamID]; set == nil {
		set = &listenerSet{conns: make(map[Conn]*ListenerInfo)}
		b.streams[streamID] = set
	}
	return set
}

// dropIfEmpty removes the stream's set entry when no listeners remain, so
// finished streams do not leak map entries.
func (b *Broadcaster) dropIfEmpty(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.streams[streamID]
	if set == nil {
		return
	}
	set.mu.Lock()
	empty := len(set.conns) == 0
	set.mu.Unlock()
	if empty {
		delete(b.streams, streamID)
	}
}

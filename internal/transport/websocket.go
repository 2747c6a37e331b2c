// Package transport exposes the relay over HTTP: WebSocket endpoints for the
// speaker and listeners of a stream, and a small JSON API for minting stream
// identifiers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/broadcast"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/observe"
	"github.com/Jonathyan/gcp-speech-to-speech-translation/internal/stream"
)

// Control frame types. The speaker may send them to manage its stream; the
// relay sends them to listeners to bracket playback.
const (
	controlStreamStart = "stream.start"
	controlStreamEnd   = "stream.end"
)

// controlFrame is the JSON envelope for text frames on both sockets. Binary
// frames carry raw audio and need no envelope.
type controlFrame struct {
	Type string `json:"type"`
}

// controlPayload renders one control frame for the wire.
func controlPayload(frameType string) []byte {
	payload, _ := json.Marshal(controlFrame{Type: frameType})
	return payload
}

// Handler serves the WebSocket and stream-management endpoints.
type Handler struct {
	manager     *stream.Manager
	broadcaster *broadcast.Broadcaster
	metrics     *observe.Metrics
}

// NewHandler creates the transport handler.
func NewHandler(manager *stream.Manager, broadcaster *broadcast.Broadcaster, metrics *observe.Metrics) *Handler {
	return &Handler{
		manager:     manager,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// Register adds the transport routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/speak/{stream}", h.Speak)
	mux.HandleFunc("GET /ws/listen/{stream}", h.Listen)
	mux.HandleFunc("POST /v1/streams", h.CreateStream)
}

// CreateStream mints a fresh stream identifier. The stream session itself is
// created lazily when the speaker connects, so an unused identifier costs
// nothing.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"stream_id":  id,
		"speak_url":  "/ws/speak/" + id,
		"listen_url": "/ws/listen/" + id,
	})
}

// Speak handles the speaker side of a stream. The single-speaker rule is
// enforced before the WebSocket upgrade, so a second speaker gets a plain
// HTTP 409 instead of an upgraded-then-dropped socket.
//
// Binary frames carry raw audio chunks; text frames carry JSON control
// frames. A "stream.end" control frame closes the stream cleanly.
func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream")
	if streamID == "" {
		http.Error(w, "missing stream identifier", http.StatusBadRequest)
		return
	}
	log := observe.Logger(r.Context()).With("stream_id", streamID)

	sess, err := h.manager.Acquire(r.Context(), streamID)
	if err != nil {
		if errors.Is(err, stream.ErrSpeakerActive) {
			http.Error(w, "stream already has an active speaker", http.StatusConflict)
			return
		}
		log.Error("acquire stream session", "error", err)
		http.Error(w, "cannot start stream", http.StatusInternalServerError)
		return
	}
	defer h.manager.Release(streamID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("speaker upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "speaker handler exited")

	h.metrics.ActiveStreams.Add(r.Context(), 1)
	defer h.metrics.ActiveStreams.Add(context.Background(), -1)
	log.Info("speaker connected")

	// Bracket playback for the listeners: stream.start now, stream.end on
	// every speaker exit path.
	h.broadcaster.BroadcastControl(r.Context(), streamID, controlPayload(controlStreamStart))
	defer h.broadcaster.BroadcastControl(context.Background(), streamID, controlPayload(controlStreamEnd))

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info("speaker disconnected")
			} else {
				log.Warn("speaker read failed", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			sess.IngestAudio(data)
		case websocket.MessageText:
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Warn("invalid control frame", "error", err)
				continue
			}
			switch frame.Type {
			case controlStreamStart:
				sess.Touch()
				log.Info("stream started by speaker")
			case controlStreamEnd:
				log.Info("stream ended by speaker")
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			default:
				log.Warn("unknown control frame", "type", frame.Type)
			}
		}
	}
}

// Listen handles a listener connection. Listeners may join before any speaker
// exists for the stream; they simply receive nothing until audio flows. The
// read loop exists only to notice the peer going away.
func (h *Handler) Listen(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream")
	if streamID == "" {
		http.Error(w, "missing stream identifier", http.StatusBadRequest)
		return
	}
	log := observe.Logger(r.Context()).With("stream_id", streamID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("listener upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "listener handler exited")

	lc := &listenerConn{conn: conn}
	h.broadcaster.AddListener(streamID, lc)
	defer h.broadcaster.RemoveListener(streamID, lc)

	h.metrics.ActiveListeners.Add(r.Context(), 1)
	defer h.metrics.ActiveListeners.Add(context.Background(), -1)
	log.Info("listener connected", "listeners", h.broadcaster.ListenerCount(streamID))

	// A listener joining a live stream gets its opening bracket immediately;
	// everyone else waits for the speaker's stream.start.
	if sess := h.manager.Get(streamID); sess != nil {
		sess.Touch()
		if err := lc.SendControl(r.Context(), controlPayload(controlStreamStart)); err != nil {
			log.Warn("stream.start to late joiner failed", "error", err)
			return
		}
	}

	// Listeners never send payloads; drain until the connection drops.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			log.Info("listener disconnected")
			return
		}
	}
}

// listenerConn adapts a WebSocket connection to the broadcaster's Conn
// interface. A fresh struct per connection keeps map identity per listener
// even when one client opens several sockets.
type listenerConn struct {
	conn *websocket.Conn
}

// Send implements broadcast.Conn.
func (c *listenerConn) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, payload)
}

// SendControl implements broadcast.ControlConn. Control frames travel as
// JSON text so clients can tell them apart from audio without sniffing.
func (c *listenerConn) SendControl(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

var _ broadcast.ControlConn = (*listenerConn)(nil)

package broadcast

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
)

// testConn records payloads and can be scripted to fail.
type testConn struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
}

func (c *testConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.payloads = append(c.payloads, buf)
	return nil
}

func (c *testConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func (c *testConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func TestBroadcaster_FanOut(t *testing.T) {
	t.Parallel()

	b := New()
	c1, c2 := &testConn{}, &testConn{}
	b.AddListener("s", c1)
	b.AddListener("s", c2)

	res := b.Broadcast(context.Background(), "s", []byte("pcm"))
	if res.Delivered != 2 || res.Removed != 0 {
		t.Fatalf("result = %+v, want 2 delivered, 0 removed", res)
	}
	for i, c := range []*testConn{c1, c2} {
		got := c.received()
		if len(got) != 1 || !bytes.Equal(got[0], []byte("pcm")) {
			t.Errorf("conn %d received %v, want [pcm]", i, got)
		}
	}
}

func TestBroadcaster_NoListenersIsNoop(t *testing.T) {
	t.Parallel()

	b := New()
	res := b.Broadcast(context.Background(), "empty", []byte("pcm"))
	if res.Delivered != 0 || res.Removed != 0 {
		t.Fatalf("result = %+v, want zero", res)
	}
}

func TestBroadcaster_AddListenerIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	c := &testConn{}
	b.AddListener("s", c)
	b.AddListener("s", c)
	if got := b.ListenerCount("s"); got != 1 {
		t.Fatalf("ListenerCount = %d, want 1", got)
	}
}

func TestBroadcaster_RemoveListener(t *testing.T) {
	t.Parallel()

	b := New()
	c := &testConn{}
	b.AddListener("s", c)
	b.RemoveListener("s", c)
	// Double removal is routine on connection-close paths.
	b.RemoveListener("s", c)

	if got := b.ListenerCount("s"); got != 0 {
		t.Fatalf("ListenerCount = %d, want 0", got)
	}
	res := b.Broadcast(context.Background(), "s", []byte("pcm"))
	if res.Delivered != 0 {
		t.Fatalf("delivered to removed listener: %+v", res)
	}
}

func TestBroadcaster_FailedSendEvictsListener(t *testing.T) {
	t.Parallel()

	b := New()
	healthy, broken := &testConn{}, &testConn{}
	broken.fail(errors.New("peer gone"))
	b.AddListener("s", healthy)
	b.AddListener("s", broken)

	res := b.Broadcast(context.Background(), "s", []byte("one"))
	if res.Delivered != 1 || res.Removed != 1 {
		t.Fatalf("result = %+v, want 1 delivered, 1 removed", res)
	}
	if got := b.ListenerCount("s"); got != 1 {
		t.Fatalf("ListenerCount = %d, want 1 after eviction", got)
	}

	// The healthy listener keeps receiving; the evicted one is gone for good.
	res = b.Broadcast(context.Background(), "s", []byte("two"))
	if res.Delivered != 1 || res.Removed != 0 {
		t.Fatalf("second result = %+v, want 1 delivered, 0 removed", res)
	}
	if got := len(healthy.received()); got != 2 {
		t.Fatalf("healthy received %d payloads, want 2", got)
	}
}

// controlTestConn is a testConn that also records control payloads.
type controlTestConn struct {
	testConn

	cmu        sync.Mutex
	controls   [][]byte
	controlErr error
}

func (c *controlTestConn) SendControl(ctx context.Context, payload []byte) error {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.controlErr != nil {
		return c.controlErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.controls = append(c.controls, buf)
	return nil
}

func (c *controlTestConn) receivedControls() [][]byte {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	out := make([][]byte, len(c.controls))
	copy(out, c.controls)
	return out
}

func TestBroadcaster_ControlFanOutSkipsPlainConns(t *testing.T) {
	t.Parallel()

	b := New()
	plain := &testConn{}
	ctl := &controlTestConn{}
	b.AddListener("s", plain)
	b.AddListener("s", ctl)

	res := b.BroadcastControl(context.Background(), "s", []byte(`{"type":"stream.start"}`))
	if res.Delivered != 1 || res.Removed != 0 {
		t.Fatalf("result = %+v, want 1 delivered, 0 removed", res)
	}

	got := ctl.receivedControls()
	if len(got) != 1 || !bytes.Equal(got[0], []byte(`{"type":"stream.start"}`)) {
		t.Fatalf("control payloads = %v, want the start frame", got)
	}
	if len(ctl.received()) != 0 || len(plain.received()) != 0 {
		t.Fatal("control fan-out leaked into the audio path")
	}
	// The plain connection was skipped, not evicted.
	if got := b.ListenerCount("s"); got != 2 {
		t.Fatalf("ListenerCount = %d, want 2", got)
	}
}

func TestBroadcaster_FailedControlSendEvictsListener(t *testing.T) {
	t.Parallel()

	b := New()
	broken := &controlTestConn{controlErr: errors.New("peer gone")}
	b.AddListener("s", broken)

	res := b.BroadcastControl(context.Background(), "s", []byte(`{"type":"stream.end"}`))
	if res.Delivered != 0 || res.Removed != 1 {
		t.Fatalf("result = %+v, want 0 delivered, 1 removed", res)
	}
	if got := b.ListenerCount("s"); got != 0 {
		t.Fatalf("ListenerCount = %d, want 0 after eviction", got)
	}
}

func TestBroadcaster_StreamsAreIsolated(t *testing.T) {
	t.Parallel()

	b := New()
	c1, c2 := &testConn{}, &testConn{}
	b.AddListener("a", c1)
	b.AddListener("b", c2)

	b.Broadcast(context.Background(), "a", []byte("for-a"))

	if got := len(c2.received()); got != 0 {
		t.Fatalf("stream b listener received %d payloads, want 0", got)
	}
	if got := len(c1.received()); got != 1 {
		t.Fatalf("stream a listener received %d payloads, want 1", got)
	}
}

func TestBroadcaster_ListenerBeforeSpeaker(t *testing.T) {
	t.Parallel()

	// Registering a listener for a stream nobody speaks on is a successful
	// no-op until audio flows.
	b := New()
	c := &testConn{}
	b.AddListener("future", c)
	if got := b.ListenerCount("future"); got != 1 {
		t.Fatalf("ListenerCount = %d, want 1", got)
	}
}

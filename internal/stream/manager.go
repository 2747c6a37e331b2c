package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSpeakerActive is returned by [Manager.Acquire] when the stream already
// has a live speaker. One speaker per stream; a second must pick another
// stream identifier or wait for the first to disconnect.
var ErrSpeakerActive = errors.New("stream already has an active speaker")

// defaultIdleTimeout is how long a session may go without traffic before the
// janitor reaps it.
const defaultIdleTimeout = 5 * time.Minute

// SessionFactory builds a fully wired [Session] for a stream identifier. The
// application layer supplies it so the manager stays free of provider wiring.
type SessionFactory func(streamID string) (*Session, error)

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// NewSession builds sessions on demand. Required.
	NewSession SessionFactory

	// IdleTimeout reaps sessions with no traffic for this long. Default: 5m.
	IdleTimeout time.Duration

	// SweepInterval is how often the janitor checks for idle sessions.
	// Default: IdleTimeout / 4.
	SweepInterval time.Duration
}

// Manager tracks the live [Session] per stream identifier. It enforces the
// single-speaker rule, reaps idle sessions, and is the diagnostics source for
// everything stream-scoped.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool

	done chan struct{}
	wg   sync.WaitGroup

	now func() time.Time // test seam
}

// NewManager creates a manager and starts its idle janitor.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 4
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// Acquire creates and starts the session for streamID, registering the caller
// as its speaker. Returns [ErrSpeakerActive] if the stream already has one.
func (m *Manager) Acquire(ctx context.Context, streamID string) (*Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, errors.New("stream manager is shut down")
	}
	if _, ok := m.sessions[streamID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrSpeakerActive)
	}

	sess, err := m.cfg.NewSession(streamID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %s: build session: %w", streamID, err)
	}
	m.sessions[streamID] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, streamID)
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %s: start session: %w", streamID, err)
	}
	return sess, nil
}

// Get returns the live session for streamID, or nil.
func (m *Manager) Get(streamID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[streamID]
}

// Release closes and unregisters the stream's session. No-op for unknown
// streams; called on every speaker disconnect path.
func (m *Manager) Release(streamID string) {
	m.mu.Lock()
	sess := m.sessions[streamID]
	delete(m.sessions, streamID)
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshots returns diagnostic snapshots for every live session.
func (m *Manager) Snapshots() []SessionSnapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown closes every session and stops the janitor.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	close(m.done)
	for id, sess := range sessions {
		sess.Close()
		slog.Debug("session closed on shutdown", "stream_id", id)
	}
	m.wg.Wait()
}

// janitor reaps sessions that have gone quiet past the idle timeout.
func (m *Manager) janitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep closes every session idle past the timeout.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	var ids []string
	for id, sess := range m.sessions {
		if sess.LastActivity().Before(cutoff) {
			idle = append(idle, sess)
			ids = append(ids, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for i, sess := range idle {
		slog.Info("reaping idle stream session",
			"stream_id", ids[i], "idle_timeout", m.cfg.IdleTimeout)
		sess.Close()
	}
}

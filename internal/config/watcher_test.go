package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, listenAddr string) {
	t.Helper()
	yaml := `
server:
  listen_addr: "` + listenAddr + `"
providers:
  stt: {name: mock}
  translate: {name: mock}
  tts: {name: mock}
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Force a distinct mtime so the watcher's fast path cannot miss the
	// change on filesystems with coarse timestamps.
	future := time.Now().Add(time.Duration(len(listenAddr)) * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, ":8080")

	w, err := NewWatcher(path, nil, WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Fatalf("Current().ListenAddr = %q, want :8080", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher on a missing file = nil error, want failure")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, ":8080")

	var mu sync.Mutex
	var gotOld, gotNew string
	w, err := NewWatcher(path, func(old, next *Config) {
		mu.Lock()
		defer mu.Unlock()
		gotOld = old.Server.ListenAddr
		gotNew = next.Server.ListenAddr
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, ":9090")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.ListenAddr == ":9090" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.Current().Server.ListenAddr; got != ":9090" {
		t.Fatalf("Current().ListenAddr = %q, want :9090 after reload", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld != ":8080" || gotNew != ":9090" {
		t.Fatalf("onChange got old %q new %q, want :8080 and :9090", gotOld, gotNew)
	}
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, ":8080")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Break the file: missing provider names fail validation.
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// Give the poller several cycles to (not) pick it up.
	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Fatalf("Current().ListenAddr = %q, want the previous :8080", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, ":8080")

	w, err := NewWatcher(path, nil, WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

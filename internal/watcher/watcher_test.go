// internal/watcher/watcher_test.go
package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherReportsActivity(t *testing.T) {
	dir, err := os.MkdirTemp("", "watcher_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var fired atomic.Int32
	w, err := New(dir, 50*time.Millisecond, func() {
		fired.Add(1)
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("callback never fired after file write")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatcherDebounces(t *testing.T) {
	dir, err := os.MkdirTemp("", "watcher_debounce")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var fired atomic.Int32
	w, err := New(dir, 200*time.Millisecond, func() {
		fired.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	// Burst of writes within the debounce window collapses to one callback.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte{byte(i)}, 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("expected 1 debounced callback, got %d", got)
	}
}

func TestWatcherLifecycle(t *testing.T) {
	dir, err := os.MkdirTemp("", "watcher_lifecycle")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	w, err := New(dir, 50*time.Millisecond, func() {})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err == nil {
		t.Error("second Start should fail")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Start after Close should fail")
	}
}

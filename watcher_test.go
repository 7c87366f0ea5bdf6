package devicecheck

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, dir string) (*DeviceWatcher, *atomic.Int32) {
	t.Helper()
	w, err := NewDeviceWatcher(WatcherConfig{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDeviceWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	var fired atomic.Int32
	w.OnChange(func() { fired.Add(1) })
	return w, &fired
}

func TestDeviceWatcher_CoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	_, fired := newTestWatcher(t, dir)

	// A hotplug surfaces as several node creations in quick succession;
	// they settle into one notification.
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("video%d", i))
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}

	eventually(t, 2*time.Second, func() bool { return fired.Load() == 1 },
		"burst never settled into one notification (fired=%d)", fired.Load())

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("notifications = %d after the burst settled, want 1", got)
	}
}

func TestDeviceWatcher_SeparateEventsFireSeparately(t *testing.T) {
	dir := t.TempDir()
	_, fired := newTestWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "video0"), nil, 0o644); err != nil {
		t.Fatalf("create node: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return fired.Load() == 1 },
		"first change never fired")

	if err := os.Remove(filepath.Join(dir, "video0")); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return fired.Load() == 2 },
		"removal never fired a second notification")
}

func TestDeviceWatcher_IgnoresWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video0")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create node: %v", err)
	}

	_, fired := newTestWatcher(t, dir)

	// Content churn on an existing node is not a topology change.
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatalf("write node: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("notifications = %d after a plain write, want 0", got)
	}
}

func TestDeviceWatcher_RemoveSubscription(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeviceWatcher(WatcherConfig{Paths: []string{dir}, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewDeviceWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	var fired atomic.Int32
	remove := w.OnChange(func() { fired.Add(1) })
	remove()

	if err := os.WriteFile(filepath.Join(dir, "video0"), nil, 0o644); err != nil {
		t.Fatalf("create node: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("notifications = %d after removal, want 0", got)
	}
}

func TestDeviceWatcher_MissingPathSkipped(t *testing.T) {
	w, err := NewDeviceWatcher(WatcherConfig{
		Paths: []string{filepath.Join(t.TempDir(), "does-not-exist")},
	})
	if err != nil {
		t.Fatalf("NewDeviceWatcher failed on a missing path: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestDeviceWatcher_CloseIdempotent(t *testing.T) {
	w, err := NewDeviceWatcher(WatcherConfig{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("NewDeviceWatcher failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

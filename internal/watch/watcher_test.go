package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestBurstCollapsesToOneCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.yaml")
	if err := os.WriteFile(path, []byte("v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int64
	w := File(path, func() { fired.Add(1) }, WithDebounce(50*time.Millisecond))
	w.Start(context.Background())
	defer w.Close()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("v2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("callbacks = %d, want 1 for a burst", got)
	}
}

func TestIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.md")
	if err := os.WriteFile(path, []byte("me"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int64
	w := File(path, func() { fired.Add(1) }, WithDebounce(20*time.Millisecond))
	w.Start(context.Background())
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("callbacks = %d for an unrelated file", got)
	}
}

func TestRenameOverTriggers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 1)
	w := File(path, func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}, WithDebounce(20*time.Millisecond))
	w.Start(context.Background())
	defer w.Close()

	tmp := filepath.Join(dir, ".config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rename-over did not trigger the callback")
	}
}

func TestDegradesToNoopOnBadDir(t *testing.T) {
	w := File(filepath.Join(t.TempDir(), "missing", "deep", "file.yaml"), func() {
		t.Error("callback on a degraded watcher")
	}, WithDebounce(10*time.Millisecond))
	w.Start(context.Background())
	w.Close() // must not panic or hang
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := File(path, func() {})
	w.Start(context.Background())
	w.Close()
	w.Close()
}

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitPending(t *testing.T, w *Watcher) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Pending() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestWatcher_ReportsEdit(t *testing.T) {
	// WHAT: Writing the file raises Pending once, then the flag clears.
	// WHY: Config edits are applied at the next pass boundary.
	dir := t.TempDir()
	path := filepath.Join(dir, "teamstatus.yaml")
	if err := os.WriteFile(path, []byte("replay: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := New(path, Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if w.Pending() {
		t.Fatal("pending before any edit")
	}
	if err := os.WriteFile(path, []byte("replay: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitPending(t, w) {
		t.Fatal("edit not reported")
	}
	if w.Pending() {
		t.Fatal("flag not cleared")
	}
	if w.Version() < 1 {
		t.Fatalf("version = %d", w.Version())
	}
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teamstatus.yaml")
	os.WriteFile(path, nil, 0o644)
	w, err := New(path, Options{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	os.WriteFile(filepath.Join(dir, "other.db"), []byte("x"), 0o644)
	time.Sleep(100 * time.Millisecond)
	if w.Pending() {
		t.Fatal("sibling file reported as change")
	}
	if s := w.Stats(); s.Events != 0 {
		t.Fatalf("events = %d, want 0", s.Events)
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope", "cfg.yaml"), Options{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

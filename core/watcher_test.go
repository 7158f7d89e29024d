package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherCoalescesBurst(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher([]string{dir}, nil, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// burst of writes to admitted files within the debounce window
	for _, name := range []string{"a-queries.yml", "b-endpoints.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x: y\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case n := <-w.Changes():
		if len(n.Paths) != 2 {
			t.Errorf("notification paths = %v, want both files", n.Paths)
		}
		kinds := map[Kind]bool{}
		for _, k := range n.Kinds {
			kinds[k] = true
		}
		if !kinds[KindQueries] || !kinds[KindEndpoints] {
			t.Errorf("notification kinds = %v", n.Kinds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification for admitted file writes")
	}

	// no trailing duplicate notification
	select {
	case n := <-w.Changes():
		t.Errorf("unexpected second notification: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher([]string{dir}, nil, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-w.Changes():
		t.Errorf("unadmitted file triggered notification: %+v", n)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCloseWithPendingBurst(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher([]string{dir}, nil, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}

	// leave writes pending inside the debounce window, then close while
	// the flush timer may be firing
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i))+"-queries.yml")
		if err := os.WriteFile(name, []byte("x: y\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// the channel must end closed, with no send racing the close
	for range w.Changes() {
	}

	// closing twice is a no-op
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherMissingDir(t *testing.T) {
	if _, err := NewWatcher([]string{"/does/not/exist"}, nil, 0, nil); err == nil {
		t.Fatal("watching a missing directory should fail")
	}
}

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) notify(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, root string, rec *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := New(root, rec.notify, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("watcher run: %v", err)
		}
	}()
	t.Cleanup(func() { cancel(); <-done })
	// Give the watcher a beat to register the root.
	time.Sleep(100 * time.Millisecond)
}

func waitForPaths(t *testing.T, rec *recorder, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := rec.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d notifications, got %v", want, rec.snapshot())
	return nil
}

func TestWatcherReportsNewFile(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "a.org")
	require.NoError(t, os.WriteFile(path, []byte("#+title: A\n"), 0o644))

	paths := waitForPaths(t, rec, 1)
	assert.Equal(t, path, paths[0])
}

func TestWatcherIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.org"), []byte("x"), 0o644))

	paths := waitForPaths(t, rec, 1)
	for _, p := range paths {
		assert.NotContains(t, p, "a.txt")
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "a.org")
	// Rapid successive writes inside the coalescing window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("#+title: A\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	waitForPaths(t, rec, 1)
	time.Sleep(2 * CoalesceWindow)
	assert.Len(t, rec.snapshot(), 1)
}

func TestWatcherPicksUpNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	sub := filepath.Join(dir, "notes")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher time to register the new directory.
	time.Sleep(300 * time.Millisecond)

	path := filepath.Join(sub, "deep.org")
	require.NoError(t, os.WriteFile(path, []byte("#+title: D\n"), 0o644))

	paths := waitForPaths(t, rec, 1)
	assert.Contains(t, paths, path)
}

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, func(context.Context, string) {})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsWatching())

	// Starting twice is a no-op.
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestIgnoresOtherExtensions(t *testing.T) {
	w, err := New(t.TempDir(), func(context.Context, string) {})
	require.NoError(t, err)
	defer w.watcher.Close()

	w.handleEvent(fsnotify.Event{Name: "notes.txt", Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: "rules.plog", Op: fsnotify.Chmod})
	assert.Equal(t, 0, w.GetStats().FilesChanged)

	w.handleEvent(fsnotify.Event{Name: "rules.plog", Op: fsnotify.Write})
	assert.Equal(t, 1, w.GetStats().FilesChanged)
}

func TestDebounceFiresOncePerSettledFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.plog")
	require.NoError(t, os.WriteFile(path, []byte("query p\n"), 0o644))

	var mu sync.Mutex
	var fired []string
	w, err := New(dir, func(_ context.Context, p string) {
		mu.Lock()
		fired = append(fired, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.watcher.Close()
	w.debounceDur = 10 * time.Millisecond

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	time.Sleep(20 * time.Millisecond)
	w.fireSettled(context.Background())
	w.fireSettled(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{path}, fired)
	assert.Equal(t, 1, w.GetStats().ReloadsFired)
}

func TestPrograms(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.plog"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))

	w, err := New(dir, func(context.Context, string) {})
	require.NoError(t, err)
	defer w.watcher.Close()

	progs, err := w.Programs()
	require.NoError(t, err)
	require.Len(t, progs, 1)
	assert.Equal(t, filepath.Join(dir, "a.plog"), progs[0])
}

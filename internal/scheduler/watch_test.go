package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "icalsynchub/internal/log"
)

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestWatchFile_SignalsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calendar_urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a/cal.ics\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wake := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- watchFile(ctx, path, wake, 20*time.Millisecond, appLog.Nop()) }()

	// Keep writing until the watcher is up and reports the change.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("https://b/cal.ics\n"), 0o644); err != nil {
			return false
		}
		select {
		case <-wake:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// Let late events settle, then check unrelated files are ignored.
	time.Sleep(200 * time.Millisecond)
	drain(wake)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	select {
	case <-wake:
		assert.Fail(t, "woken by unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

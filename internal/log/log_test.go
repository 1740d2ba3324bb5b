package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	l, err := New(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	l.Info("cycle complete", "events", 3, "dangling")
	l.Debug("detail", "k", "v")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"cycle complete"`)
	assert.Contains(t, string(data), `"events":3`)
	assert.Contains(t, string(data), `"msg":"detail"`)
	assert.NotContains(t, string(data), "dangling")
}

func TestLogger_LevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	l, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Error("visible", os.ErrNotExist, "path", "/x")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
	assert.Contains(t, string(data), "file does not exist")
}

func TestNop_IsSafe(t *testing.T) {
	l := Nop()
	l.Info("nothing")
	assert.NoError(t, l.Close())

	var nilLogger *Logger
	nilLogger.Info("nil receiver is fine")
}

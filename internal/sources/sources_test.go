package sources

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalsynchub/internal/model"
)

func TestParse(t *testing.T) {
	input := `
# Example of a URL file
https://a/cal.ics

   https://b/cal.ics#Team B
https://c/cal.ics#
   # indented comment
https://d/my%20cal.ics # trailing
`
	got, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []model.Source{
		{URL: "https://a/cal.ics"},
		{URL: "https://b/cal.ics", Label: "Team B"},
		{URL: "https://c/cal.ics"},
		{URL: "https://d/my%20cal.ics", Label: "trailing"},
	}, got)
}

func TestParse_Empty(t *testing.T) {
	got, err := Parse(strings.NewReader("# nothing here\n\n"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseLine_LabelOnly(t *testing.T) {
	_, ok := ParseLine("  #label without url")
	assert.False(t, ok)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar_urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a/cal.ics\nhttps://b/cal.ics#Team B\n"), 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Busy", got[0].DisplayLabel())
	assert.Equal(t, "Team B", got[1].DisplayLabel())
}

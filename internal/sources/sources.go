// Package sources reads the list of calendar feeds to merge.
//
// File format: one feed per line. Blank lines and lines starting with '#'
// are ignored. A line is a URL optionally followed by '#' and a display
// label, e.g.
//
//	https://example.com/team.ics#Team B
//
// The first '#' always starts the label, so feed URLs that need a real
// fragment cannot be expressed. An empty label means the default one.
package sources

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"icalsynchub/internal/model"
)

// ErrNotFound is returned by Load when the source list file does not exist.
var ErrNotFound = errors.New("sources: source list not found")

// Load reads and parses the source list at path.
func Load(path string) ([]model.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a source list from r.
func Parse(r io.Reader) ([]model.Source, error) {
	out := make([]model.Source, 0)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		src, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		out = append(out, src)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseLine parses one line. ok is false for comments and blank lines.
func ParseLine(line string) (model.Source, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return model.Source{}, false
	}
	url, label, _ := strings.Cut(line, "#")
	url = strings.TrimSpace(url)
	if url == "" {
		return model.Source{}, false
	}
	return model.Source{
		URL:   url,
		Label: strings.TrimSpace(label),
	}, true
}

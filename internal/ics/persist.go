package ics

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"

	"icalsynchub/internal/fileutil"
)

// maxLineOctets is the RFC 5545 content line limit, excluding CRLF.
const maxLineOctets = 75

// ErrValidation marks calendar text that does not parse back as a
// calendar.
var ErrValidation = errors.New("merged calendar failed validation")

// Persist serializes cal, repairs TZID parameter quoting, folds long lines
// and atomically replaces path. The text is checked before the write, so a
// calendar that does not parse back never replaces the previous file, and
// the written file is checked again afterwards. Both failures wrap
// ErrValidation.
func Persist(cal *ical.Calendar, path string) error {
	var b strings.Builder
	if err := cal.SerializeTo(&b, ical.WithLineLength(math.MaxInt32)); err != nil {
		return fmt.Errorf("serialize calendar: %w", err)
	}
	out := []byte(fold(FixTZIDQuoting(b.String())))
	if err := validateBytes(out); err != nil {
		return err
	}

	if err := fileutil.WriteFileAtomic(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return Validate(path)
}

// Validate re-reads path and checks that it parses as a calendar.
func Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return validateBytes(data)
}

func validateBytes(data []byte) error {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("BEGIN:VCALENDAR")) {
		return fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrValidation)
	}
	if _, err := ical.ParseCalendar(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// FixTZIDQuoting rewrites TZID parameter values in unfolded calendar text.
// The serializer backslash-escapes parameter values, which RFC 5545 does not
// allow; the value is unescaped and only double-quoted when it contains
// ';', ':' or ','.
func FixTZIDQuoting(text string) string {
	if !strings.Contains(strings.ToUpper(text), "TZID=") {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		fixed := fixTZIDLine(body)
		if fixed != body {
			lines[i] = fixed + line[len(body):]
		}
	}
	return strings.Join(lines, "")
}

func fixTZIDLine(line string) string {
	i := strings.IndexAny(line, ";:")
	if i < 0 || line[i] != ';' {
		return line
	}

	var b strings.Builder
	b.WriteString(line[:i])
	for i < len(line) && line[i] == ';' {
		j := i + 1
		for j < len(line) && line[j] != '=' && line[j] != ';' && line[j] != ':' {
			j++
		}
		if j >= len(line) || line[j] != '=' {
			break
		}
		k := scanParamValue(line, j+1)
		name := line[i+1 : j]
		if strings.EqualFold(name, "TZID") {
			b.WriteString(";" + name + "=" + quoteParam(unescapeParam(line[j+1:k])))
		} else {
			b.WriteString(line[i:k])
		}
		i = k
	}
	b.WriteString(line[i:])
	return b.String()
}

// scanParamValue returns the index that ends the parameter value starting
// at p: the first ';' or ':' that is neither escaped nor quoted.
func scanParamValue(line string, p int) int {
	quoted := false
	for p < len(line) {
		switch c := line[p]; {
		case c == '\\' && p+1 < len(line):
			p += 2
			continue
		case c == '"':
			quoted = !quoted
		case !quoted && (c == ';' || c == ':'):
			return p
		}
		p++
	}
	return p
}

func unescapeParam(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			if i+1 < len(v) {
				i++
				if v[i] != '"' {
					b.WriteByte(v[i])
				}
			}
		case '"':
		default:
			b.WriteByte(v[i])
		}
	}
	return strings.TrimSpace(b.String())
}

func quoteParam(v string) string {
	if strings.ContainsAny(v, ";:,") {
		return `"` + v + `"`
	}
	return v
}

// fold splits content lines longer than 75 octets, continuing them on
// lines that start with a single space. Multi-byte characters are never
// split. Output lines end with CRLF.
func fold(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/maxLineOctets*3)

	for _, line := range strings.Split(strings.TrimRight(text, "\r\n"), "\n") {
		line = strings.TrimSuffix(line, "\r")
		limit := maxLineOctets
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			b.WriteString(line[:cut])
			b.WriteString("\r\n ")
			line = line[cut:]
			limit = maxLineOctets - 1
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

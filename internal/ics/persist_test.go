package ics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixTZIDQuoting(t *testing.T) {
	cases := map[string]string{
		"DTSTART;TZID=Europe/Berlin:20240101T090000":         "DTSTART;TZID=Europe/Berlin:20240101T090000",
		`DTSTART;TZID=\"Europe/Berlin\":20240101T090000`:     "DTSTART;TZID=Europe/Berlin:20240101T090000",
		`DTSTART;TZID="Europe/Berlin":20240101T090000`:       "DTSTART;TZID=Europe/Berlin:20240101T090000",
		`RDATE;TZID=Foo\, Bar:20240101T090000`:               `RDATE;TZID="Foo, Bar":20240101T090000`,
		`RDATE;TZID=Zone\:One;VALUE=DATE-TIME:20240101T0900`: `RDATE;TZID="Zone:One";VALUE=DATE-TIME:20240101T0900`,
		`ATTENDEE;CN=Smith\, J;TZID=UTC:mailto:j@example.com`: `ATTENDEE;CN=Smith\, J;TZID=UTC:mailto:j@example.com`,
		`DESCRIPTION:see ;TZID=\"x\" here`:                   `DESCRIPTION:see ;TZID=\"x\" here`,
		"SUMMARY:plain":                                      "SUMMARY:plain",
	}
	for in, want := range cases {
		assert.Equal(t, want, FixTZIDQuoting(in), in)
	}

	multi := "BEGIN:VEVENT\r\nDTSTART;TZID=\\\"A/B\\\":20240101T090000\r\nEND:VEVENT\r\n"
	assert.Equal(t, "BEGIN:VEVENT\r\nDTSTART;TZID=A/B:20240101T090000\r\nEND:VEVENT\r\n", FixTZIDQuoting(multi))
}

func unfold(s string) string {
	return strings.ReplaceAll(s, "\r\n ", "")
}

func TestFold(t *testing.T) {
	long := "DESCRIPTION:" + strings.Repeat("abcdefghij", 20)
	accented := "SUMMARY:" + strings.Repeat("é", 100)
	text := "BEGIN:VCALENDAR\n" + long + "\n" + accented + "\nEND:VCALENDAR\n"

	out := fold(text)
	assert.True(t, strings.HasSuffix(out, "END:VCALENDAR\r\n"))
	for _, line := range strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 75)
		assert.True(t, utf8.ValidString(line), line)
	}
	assert.Equal(t, strings.ReplaceAll(text, "\n", "\r\n"), unfold(out))
}

func TestPersist_WritesFoldedValidCalendar(t *testing.T) {
	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	ev := ical.NewEvent("p1@example.com")
	ev.SetProperty(ical.ComponentPropertyDtstamp, "20240101T000000Z")
	ev.AddProperty(ical.ComponentPropertyDtStart, "20240101T090000", ical.WithTZID("Custom; Zone"))
	description := strings.Repeat("Long, long description; ", 10)
	ev.SetDescription(description)
	cal.AddVEvent(ev)

	path := filepath.Join(t.TempDir(), "out", "merged.ics")
	require.NoError(t, Persist(cal, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	for _, line := range strings.Split(strings.TrimSuffix(text, "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 75)
	}
	assert.Contains(t, unfold(text), `DTSTART;TZID="Custom; Zone":20240101T090000`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	parsed, err := ParseFeed(testSource, data)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, description, propValue(parsed.Events[0], ical.ComponentPropertyDescription))
	tzid, _ := param(parsed.Events[0].GetProperty(ical.ComponentPropertyDtStart), "TZID")
	assert.Equal(t, "Custom; Zone", tzid)
}

func TestPersist_ReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.ics")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	cal := ical.NewCalendar()
	require.NoError(t, Persist(cal, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "BEGIN:VCALENDAR\r\n"))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	err := Validate(filepath.Join(dir, "missing.ics"))
	assert.True(t, errors.Is(err, ErrValidation))

	bad := filepath.Join(dir, "bad.ics")
	require.NoError(t, os.WriteFile(bad, []byte("hello"), 0o644))
	assert.True(t, errors.Is(Validate(bad), ErrValidation))

	truncated := filepath.Join(dir, "truncated.ics")
	require.NoError(t, os.WriteFile(truncated, []byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:x\r\n"), 0o644))
	assert.True(t, errors.Is(Validate(truncated), ErrValidation))

	good := filepath.Join(dir, "good.ics")
	require.NoError(t, os.WriteFile(good, []byte(tinyCal), 0o644))
	assert.NoError(t, Validate(good))
}

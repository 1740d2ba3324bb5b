package ics

import (
	"strings"
	"testing"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalsynchub/internal/model"
)

var testSource = model.Source{URL: "https://example.com/test.ics"}

// calendar wraps component text in a VCALENDAR with CRLF line endings.
func calendar(components string) []byte {
	text := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\n" +
		strings.TrimLeft(components, "\n") +
		"END:VCALENDAR\n"
	return []byte(strings.ReplaceAll(text, "\n", "\r\n"))
}

func eventsFrom(t *testing.T, components string) []*ical.VEvent {
	t.Helper()
	feed, err := ParseFeed(testSource, calendar(components))
	require.NoError(t, err)
	return feed.Events
}

func singleEvent(t *testing.T, components string) *ical.VEvent {
	t.Helper()
	events := eventsFrom(t, components)
	require.Len(t, events, 1)
	return events[0]
}

func TestParseFeed(t *testing.T) {
	body := calendar(`
BEGIN:VTIMEZONE
TZID:Europe/Berlin
END:VTIMEZONE
BEGIN:VEVENT
UID:one@example.com
DTSTART;TZID=Europe/Berlin:20240115T090000
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:two@example.com
DTSTART:20240116T090000Z
SUMMARY:Review
END:VEVENT
`)
	src := model.Source{URL: "https://example.com/a.ics", Label: "Team A"}

	feed, err := ParseFeed(src, body)
	require.NoError(t, err)
	assert.Equal(t, src, feed.Source)
	require.Len(t, feed.Events, 2)
	require.Len(t, feed.Timezones, 1)
	assert.Equal(t, "one@example.com", feed.Events[0].Id())
}

func TestParseFeed_Errors(t *testing.T) {
	src := model.Source{URL: "https://example.com/a.ics"}

	_, err := ParseFeed(src, nil)
	assert.ErrorIs(t, err, ErrEmptyFeed)

	_, err = ParseFeed(src, []byte("  \r\n"))
	assert.ErrorIs(t, err, ErrEmptyFeed)

	_, err = ParseFeed(src, []byte("this is not a calendar"))
	assert.Error(t, err)

	_, err = ParseFeed(src, []byte("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:x\r\n"))
	assert.Error(t, err)
}

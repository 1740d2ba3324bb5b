package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/model"
)

var mergeNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func mergeFixtures() []FetchResult {
	a := calendar(`
BEGIN:VTIMEZONE
TZID:Europe/Berlin
X-FROM:a
END:VTIMEZONE
BEGIN:VEVENT
UID:a1
DTSTAMP:20240101T000000Z
DTSTART;TZID=Europe/Berlin:20240610T090000
DTEND;TZID=Europe/Berlin:20240610T100000
SUMMARY:Planning
DESCRIPTION:Quarterly numbers
END:VEVENT
`)
	b := calendar(`
BEGIN:VTIMEZONE
TZID:Europe/Berlin
X-FROM:b
END:VTIMEZONE
BEGIN:VTIMEZONE
TZID:America/New_York
END:VTIMEZONE
BEGIN:VEVENT
DTSTART:20240611T090000Z
SUMMARY:No uid here
END:VEVENT
BEGIN:VEVENT
UID:b2
DTSTART:20200101T090000Z
DTEND:20200101T100000Z
SUMMARY:Ancient
END:VEVENT
`)
	return []FetchResult{
		{Source: model.Source{URL: "https://a.example.com/a.ics", Label: "Team A"}, Body: a},
		{Source: model.Source{URL: "https://b.example.com/b.ics"}, Body: b},
		{Source: model.Source{URL: "https://c.example.com/c.ics", Label: "Broken"}, Body: []byte("this is not a calendar")},
	}
}

func TestMerge_CombinesSources(t *testing.T) {
	cal, stats := Merge(mergeFixtures(), MergeOptions{ShowDetails: true, Now: mergeNow}, appLog.Nop())

	assert.Equal(t, MergeStats{Sources: 3, FailedSources: 1, Events: 3, Timezones: 2}, stats)

	events := cal.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "a1", events[0].Id())
	assert.NotEmpty(t, events[1].Id())
	assert.Equal(t, "b2", events[2].Id())

	// Source order, details kept, times normalized.
	assert.Equal(t, "Planning", propValue(events[0], ical.ComponentPropertySummary))
	assert.Equal(t, "Quarterly numbers", propValue(events[0], ical.ComponentPropertyDescription))
	assert.Equal(t, "20240610T070000Z", propValue(events[0], ical.ComponentPropertyDtStart))

	// DTSTAMP kept when present, filled in otherwise.
	assert.Equal(t, "20240101T000000Z", propValue(events[0], ical.ComponentPropertyDtstamp))
	assert.Equal(t, "20240601T120000Z", propValue(events[1], ical.ComponentPropertyDtstamp))

	// First VTIMEZONE per TZID wins.
	tzs := cal.Timezones()
	require.Len(t, tzs, 2)
	assert.Equal(t, "a", tzs[0].GetProperty(ical.ComponentProperty("X-FROM")).Value)

	out := cal.Serialize()
	assert.Contains(t, out, "PRODID:"+ProductID)
	assert.Contains(t, out, "CALSCALE:GREGORIAN")
	assert.NotContains(t, out, "X-WR-CALNAME")
}

func TestMerge_AnonymizesWithSourceLabel(t *testing.T) {
	cal, _ := Merge(mergeFixtures(), MergeOptions{ShowDetails: false, Now: mergeNow}, appLog.Nop())

	events := cal.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "Team A", propValue(events[0], ical.ComponentPropertySummary))
	assert.False(t, events[0].HasProperty(ical.ComponentPropertyDescription))
	assert.Equal(t, "Busy", propValue(events[1], ical.ComponentPropertySummary))
	assert.Equal(t, "Busy", propValue(events[2], ical.ComponentPropertySummary))
}

func TestMerge_DateFilterAndName(t *testing.T) {
	w := NewWindow(mergeNow, 30, 12)
	cal, stats := Merge(mergeFixtures(), MergeOptions{
		ShowDetails:  true,
		Window:       &w,
		CalendarName: "Family",
		Now:          mergeNow,
	}, appLog.Nop())

	assert.Equal(t, 2, stats.Events)
	assert.Equal(t, 1, stats.Filtered)
	for _, ev := range cal.Events() {
		assert.NotEqual(t, "b2", ev.Id())
	}
	assert.True(t, strings.Contains(cal.Serialize(), "X-WR-CALNAME:Family"))
}

func TestMerge_NoUsableSources(t *testing.T) {
	cal, stats := Merge(nil, MergeOptions{}, nil)
	assert.Empty(t, cal.Events())
	assert.Zero(t, stats.Sources)
}

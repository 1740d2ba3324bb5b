package ics

import (
	ical "github.com/arran4/golang-ical"

	"icalsynchub/internal/model"
)

// privateProps are removed from every anonymized event. X-ALT-DESC is the
// HTML twin of DESCRIPTION that Outlook publishes.
var privateProps = []ical.ComponentProperty{
	ical.ComponentPropertyDescription,
	ical.ComponentPropertyLocation,
	ical.ComponentPropertyAttendee,
	ical.ComponentPropertyOrganizer,
	ical.ComponentProperty("X-ALT-DESC"),
}

// Anonymize replaces the event's title with label (or "Busy" when label is
// empty) and strips every property and alarm that could reveal details.
func Anonymize(ev *ical.VEvent, label string) {
	if ev == nil {
		return
	}
	if label == "" {
		label = model.DefaultLabel
	}

	ev.SetProperty(ical.ComponentPropertySummary, label)
	for _, p := range privateProps {
		ev.RemoveProperty(p)
	}

	kept := ev.Components[:0]
	for _, c := range ev.Components {
		if _, ok := c.(*ical.VAlarm); ok {
			continue
		}
		kept = append(kept, c)
	}
	ev.Components = kept
}

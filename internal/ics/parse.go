package ics

import (
	"bytes"
	"errors"
	"fmt"

	ical "github.com/arran4/golang-ical"

	"icalsynchub/internal/model"
)

// ErrEmptyFeed is returned for a feed body that carries no calendar data.
var ErrEmptyFeed = errors.New("empty ICS body")

// Feed is one source's calendar after parsing: its events and the timezone
// definitions it shipped.
type Feed struct {
	Source    model.Source
	Events    []*ical.VEvent
	Timezones []*ical.VTimezone
}

// ParseFeed parses a single ICS payload.
//
// Properties found between components are tolerated since several
// providers emit them; anything else malformed fails the whole feed.
func ParseFeed(src model.Source, body []byte) (Feed, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Feed{}, ErrEmptyFeed
	}

	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(body),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		return Feed{}, fmt.Errorf("parse %s: %w", redactURL(src.URL), err)
	}
	if cal == nil {
		return Feed{}, fmt.Errorf("parse %s: %w", redactURL(src.URL), ErrEmptyFeed)
	}

	return Feed{
		Source:    src,
		Events:    cal.Events(),
		Timezones: cal.Timezones(),
	}, nil
}

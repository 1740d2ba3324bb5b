package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

const day = 24 * time.Hour

// Window is the closed UTC interval of interest for date filtering.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns [now - pastDays, now + futureMonths*30 days] in UTC.
func NewWindow(now time.Time, pastDays, futureMonths int) Window {
	now = now.UTC()
	return Window{
		Start: now.Add(-time.Duration(pastDays) * day),
		End:   now.Add(time.Duration(futureMonths) * 30 * day),
	}
}

// Includes reports whether the event touches the window. Events whose start
// cannot be determined are kept. Recurring events are kept when any
// occurrence overlaps; if the RRULE cannot be parsed only the first instance
// is tested.
func (w Window) Includes(ev *ical.VEvent) bool {
	if ev == nil {
		return false
	}
	startProp := ev.GetProperty(ical.ComponentPropertyDtStart)
	start, err := propTime(startProp)
	if err != nil {
		return true
	}

	end, hasEnd := eventEnd(ev, start, isDateValue(startProp))

	if rr := ev.GetProperty(ical.ComponentPropertyRrule); rr != nil {
		if ok, err := w.recurrenceOverlaps(ev, rr.Value, start, end, hasEnd); err == nil {
			return ok
		}
	}
	return w.overlaps(start, end, hasEnd)
}

func (w Window) overlaps(start, end time.Time, hasEnd bool) bool {
	if !start.Before(w.Start) && !start.After(w.End) {
		return true
	}
	return hasEnd && !start.After(w.End) && !end.Before(w.Start)
}

func (w Window) recurrenceOverlaps(ev *ical.VEvent, rule string, start, end time.Time, hasEnd bool) (bool, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return false, err
	}
	// BYxxx parts expand in DTSTART's zone, never in UTC.
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	// DTSTART is always the first instance, matching the rule or not.
	set.RDate(start)
	for _, p := range ev.GetProperties(ical.ComponentPropertyExdate) {
		for _, t := range propTimes(p) {
			set.ExDate(t)
		}
	}
	for _, p := range ev.GetProperties(ical.ComponentPropertyRdate) {
		for _, t := range propTimes(p) {
			set.RDate(t)
		}
	}

	// An occurrence at o overlaps when o <= End and o+length >= Start.
	var length time.Duration
	if hasEnd && end.After(start) {
		length = end.Sub(start)
	}
	first := set.After(w.Start.Add(-length), true)
	return !first.IsZero() && !first.After(w.End), nil
}

// eventEnd derives the end of the first instance from DTEND or DURATION.
// A DATE start without either lasts one day.
func eventEnd(ev *ical.VEvent, start time.Time, allDay bool) (time.Time, bool) {
	if p := ev.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if end, err := propTime(p); err == nil {
			return end, true
		}
	}
	if p := ev.GetProperty(ical.ComponentPropertyDuration); p != nil {
		if d, err := parseDuration(p.Value); err == nil {
			return start.Add(d), true
		}
	}
	if allDay {
		return start.Add(day), true
	}
	return time.Time{}, false
}

// propTimes reads every value of a multi-valued date property, skipping
// the ones that do not parse.
func propTimes(p *ical.IANAProperty) []time.Time {
	if isPeriodValue(p) {
		return nil
	}
	loc := propLocation(p)
	var out []time.Time
	for _, part := range splitValues(p.Value) {
		if t, err := parseInstant(part, loc); err == nil {
			out = append(out, t)
		}
	}
	return out
}

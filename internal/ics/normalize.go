package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // feeds name zones the host may not ship

	ical "github.com/arran4/golang-ical"
)

// ErrUnknownTimezone is reported when a TZID cannot be mapped to any IANA
// zone. The affected value is then read as UTC.
var ErrUnknownTimezone = errors.New("unknown timezone")

// windowsZones maps the Windows zone names Exchange and Outlook publish to
// their IANA equivalents.
var windowsZones = map[string]string{
	"Dateline Standard Time":          "Etc/GMT+12",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Alaskan Standard Time":           "America/Anchorage",
	"Pacific Standard Time":           "America/Los_Angeles",
	"Mountain Standard Time":          "America/Denver",
	"US Mountain Standard Time":       "America/Phoenix",
	"Central Standard Time":           "America/Chicago",
	"Eastern Standard Time":           "America/New_York",
	"Atlantic Standard Time":          "America/Halifax",
	"Newfoundland Standard Time":      "America/St_Johns",
	"SA Pacific Standard Time":        "America/Bogota",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Argentina Standard Time":         "America/Buenos_Aires",
	"UTC":                             "UTC",
	"Coordinated Universal Time":      "UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Central European Standard Time":  "Europe/Warsaw",
	"Romance Standard Time":           "Europe/Paris",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"FLE Standard Time":               "Europe/Kiev",
	"GTB Standard Time":               "Europe/Bucharest",
	"Russian Standard Time":           "Europe/Moscow",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Israel Standard Time":            "Asia/Jerusalem",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Egypt Standard Time":             "Africa/Cairo",
	"Arabian Standard Time":           "Asia/Dubai",
	"India Standard Time":             "Asia/Kolkata",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"China Standard Time":             "Asia/Shanghai",
	"Singapore Standard Time":         "Asia/Singapore",
	"Taipei Standard Time":            "Asia/Taipei",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"Korea Standard Time":             "Asia/Seoul",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"W. Australia Standard Time":      "Australia/Perth",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Canada Central Standard Time":    "America/Regina",
	"Mexico Standard Time":            "America/Mexico_City",
	"Central Standard Time (Mexico)":  "America/Mexico_City",
	"Pacific SA Standard Time":        "America/Santiago",
	"Morocco Standard Time":           "Africa/Casablanca",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"E. Africa Standard Time":         "Africa/Nairobi",
}

// Resolver maps TZIDs found in a feed to locations. It remembers the
// X-LIC-LOCATION hints of the feed's VTIMEZONE definitions.
type Resolver struct {
	aliases map[string]string
	cache   map[string]*time.Location
}

// NewResolver creates a Resolver for one feed.
func NewResolver(timezones []*ical.VTimezone) *Resolver {
	r := &Resolver{
		aliases: make(map[string]string),
		cache:   make(map[string]*time.Location),
	}
	for _, tz := range timezones {
		id := tz.GetProperty(ical.ComponentPropertyTzid)
		if id == nil {
			continue
		}
		if loc := tz.GetProperty(ical.ComponentProperty("X-LIC-LOCATION")); loc != nil && strings.TrimSpace(loc.Value) != "" {
			r.aliases[cleanTZID(id.Value)] = strings.TrimSpace(loc.Value)
		}
	}
	return r
}

// Resolve returns the location for tzid, trying in order: the id itself,
// the VTIMEZONE's X-LIC-LOCATION, the Windows zone table and finally the
// trailing segments of vendor-prefixed ids such as
// "/mozilla.org/20070129_1/Europe/Berlin".
func (r *Resolver) Resolve(tzid string) (*time.Location, error) {
	id := cleanTZID(tzid)
	if id == "" {
		return nil, fmt.Errorf("%w: empty TZID", ErrUnknownTimezone)
	}
	if loc, ok := r.cache[id]; ok {
		return loc, nil
	}

	loc := r.lookup(id)
	if loc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, tzid)
	}
	r.cache[id] = loc
	return loc, nil
}

func (r *Resolver) lookup(id string) *time.Location {
	if loc := loadZone(id); loc != nil {
		return loc
	}
	if alias, ok := r.aliases[id]; ok {
		if loc := loadZone(alias); loc != nil {
			return loc
		}
	}
	if name, ok := windowsZones[id]; ok {
		if loc := loadZone(name); loc != nil {
			return loc
		}
	}

	segments := strings.Split(strings.Trim(id, "/"), "/")
	for i := 1; i < len(segments); i++ {
		if loc := loadZone(strings.Join(segments[i:], "/")); loc != nil {
			return loc
		}
	}
	return nil
}

// loadZone wraps time.LoadLocation, refusing the names it maps to the
// process's own zone.
func loadZone(name string) *time.Location {
	if name == "" || name == "Local" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

func cleanTZID(tzid string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(tzid), `"'`))
}

// normalizedProps are the date properties NormalizeEvent rewrites.
var normalizedProps = map[string]bool{
	string(ical.ComponentPropertyDtStart):      true,
	string(ical.ComponentPropertyDtEnd):        true,
	string(ical.ComponentPropertyRecurrenceId): true,
	string(ical.ComponentPropertyExdate):       true,
	string(ical.ComponentPropertyRdate):        true,
}

// NormalizeEvent rewrites the event's DTSTART, DTEND, RECURRENCE-ID, EXDATE
// and RDATE values so every client reads the same instants.
//
// Single events are flattened to UTC and lose their TZID parameter. A
// recurring event (RRULE or RDATE) keeps its wall clock times, with the
// TZID replaced by the resolved IANA name, so its rule still expands in the
// source zone.
//
// DATE and PERIOD values are left alone. Each returned error concerns a
// single property; a value that does not parse is kept as it was, an
// unknown TZID is read as UTC.
func NormalizeEvent(ev *ical.VEvent, r *Resolver) []error {
	if ev == nil {
		return nil
	}
	if r == nil {
		r = NewResolver(nil)
	}

	keepLocal := isRecurring(ev)
	var errs []error
	for i := range ev.Properties {
		p := &ev.Properties[i]
		if !normalizedProps[strings.ToUpper(p.IANAToken)] {
			continue
		}
		if err := normalizeProperty(p, r, keepLocal); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.IANAToken, err))
		}
	}
	return errs
}

func isRecurring(ev *ical.VEvent) bool {
	return ev.HasProperty(ical.ComponentPropertyRrule) || ev.HasProperty(ical.ComponentPropertyRdate)
}

func normalizeProperty(p *ical.IANAProperty, r *Resolver, keepLocal bool) error {
	if isDateValue(p) || isPeriodValue(p) {
		return nil
	}

	loc := time.UTC
	var warn error
	if tzid, ok := param(p, string(ical.ParameterTzid)); ok {
		l, err := r.Resolve(tzid)
		if err != nil {
			warn = err
		} else {
			loc = l
		}
	}

	parts := splitValues(p.Value)
	if len(parts) == 0 {
		return errors.New("empty time value")
	}
	zoned := keepLocal && loc != time.UTC
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		t, err := parseInstant(part, loc)
		if err != nil {
			return err
		}
		if zoned {
			out = append(out, t.In(loc).Format(localLayout))
		} else {
			out = append(out, t.UTC().Format(utcLayout))
		}
	}

	p.Value = strings.Join(out, ",")
	if zoned {
		setParam(p, string(ical.ParameterTzid), loc.String())
	} else {
		deleteParam(p, string(ical.ParameterTzid))
	}
	return warn
}

package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const (
	utcLayout   = "20060102T150405Z"
	localLayout = "20060102T150405"
	dateLayout  = "20060102"
)

// param returns the first value of a property parameter, matching the
// parameter name case-insensitively.
func param(p *ical.IANAProperty, name string) (string, bool) {
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

func deleteParam(p *ical.IANAProperty, name string) {
	for k := range p.ICalParameters {
		if strings.EqualFold(k, name) {
			delete(p.ICalParameters, k)
		}
	}
}

func setParam(p *ical.IANAProperty, name, value string) {
	deleteParam(p, name)
	if p.ICalParameters == nil {
		p.ICalParameters = make(map[string][]string)
	}
	p.ICalParameters[name] = []string{value}
}

// isPeriodValue reports whether an RDATE carries start/end periods.
func isPeriodValue(p *ical.IANAProperty) bool {
	v, ok := param(p, string(ical.ParameterValue))
	return ok && strings.EqualFold(v, "PERIOD")
}

// isDateValue reports whether a date property carries DATE values
// (all-day) rather than DATE-TIME.
func isDateValue(p *ical.IANAProperty) bool {
	if v, ok := param(p, string(ical.ParameterValue)); ok {
		return strings.EqualFold(v, "DATE")
	}
	for _, part := range splitValues(p.Value) {
		if len(part) != len(dateLayout) || strings.Contains(part, "T") {
			return false
		}
	}
	return strings.TrimSpace(p.Value) != ""
}

func splitValues(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseInstant parses a single DATE or DATE-TIME value. Values carrying a
// trailing Z are UTC; everything else is read in loc.
func parseInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse(utcLayout, v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation(localLayout, v, loc)
	default:
		return time.ParseInLocation(dateLayout, v, loc)
	}
}

// propLocation returns the zone a date property's local values are read
// in. TZIDs that cannot be loaded and floating values mean UTC.
func propLocation(p *ical.IANAProperty) *time.Location {
	if tzid, ok := param(p, string(ical.ParameterTzid)); ok {
		if l := loadZone(cleanTZID(tzid)); l != nil {
			return l
		}
	}
	return time.UTC
}

// propTime reads the first value of a date property. The result carries
// the property's own zone.
func propTime(p *ical.IANAProperty) (time.Time, error) {
	if p == nil {
		return time.Time{}, errors.New("property not present")
	}
	parts := splitValues(p.Value)
	if len(parts) == 0 {
		return time.Time{}, errors.New("empty time value")
	}
	return parseInstant(parts[0], propLocation(p))
}

// parseDuration parses an RFC 5545 dur-value such as "PT1H30M", "P1D"
// or "-P2W".
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
			continue
		case r == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			inTime = true
			continue
		}
		if num.Len() == 0 {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		num.Reset()

		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		total += time.Duration(n) * unit
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}

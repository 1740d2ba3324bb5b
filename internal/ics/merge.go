package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "icalsynchub/internal/log"
)

const ProductID = "-//iCalSyncHub//Merged Calendar//EN"

// MergeOptions controls how feeds are combined.
type MergeOptions struct {
	// ShowDetails keeps titles and private fields; when false every event
	// is anonymized with its source's label.
	ShowDetails bool

	// Window drops events outside it. Nil disables date filtering.
	Window *Window

	// CalendarName sets X-WR-CALNAME when non-empty.
	CalendarName string

	// Now stamps events that lack DTSTAMP. Zero means time.Now.
	Now time.Time
}

// MergeStats summarizes one merge.
type MergeStats struct {
	Sources       int `json:"sources"`
	FailedSources int `json:"failed_sources"`
	Events        int `json:"events"`
	Filtered      int `json:"filtered"`
	Timezones     int `json:"timezones"`
	FieldErrors   int `json:"field_errors"`
}

// Merge parses every fetched body and builds a new calendar holding the
// union of their timezone definitions (first one per TZID wins) and their
// events in source order. A body that fails to parse only excludes its own
// source.
func Merge(results []FetchResult, opts MergeOptions, logger *appLog.Logger) (*ical.Calendar, MergeStats) {
	if logger == nil {
		logger = appLog.Nop()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetVersion("2.0")
	cal.SetCalscale("GREGORIAN")
	if opts.CalendarName != "" {
		cal.SetXWRCalName(opts.CalendarName)
	}

	var stats MergeStats
	seenTZ := make(map[string]bool)

	for _, res := range results {
		stats.Sources++
		feed, err := ParseFeed(res.Source, res.Body)
		if err != nil {
			stats.FailedSources++
			logger.Error("merge: source skipped", err, "url", redactURL(res.Source.URL))
			continue
		}

		for _, tz := range feed.Timezones {
			id := tz.GetProperty(ical.ComponentPropertyTzid)
			if id == nil {
				continue
			}
			key := cleanTZID(id.Value)
			if seenTZ[key] {
				continue
			}
			seenTZ[key] = true
			cal.AddVTimezone(tz)
			stats.Timezones++
		}

		resolver := NewResolver(feed.Timezones)
		added, filtered := 0, 0
		for _, ev := range feed.Events {
			for _, ferr := range NormalizeEvent(ev, resolver) {
				stats.FieldErrors++
				logger.Warn("merge: timezone normalization", "uid", ev.Id(), "err", ferr)
			}

			if opts.Window != nil && !opts.Window.Includes(ev) {
				filtered++
				continue
			}
			if !opts.ShowDetails {
				Anonymize(ev, res.Source.DisplayLabel())
			}
			if ev.Id() == "" {
				ev.SetProperty(ical.ComponentPropertyUniqueId, uuid.NewString())
			}
			if !ev.HasProperty(ical.ComponentPropertyDtstamp) {
				ev.SetDtStampTime(now)
			}

			cal.AddVEvent(ev)
			added++
		}

		stats.Events += added
		stats.Filtered += filtered
		logger.Info("merge: source added",
			"url", redactURL(res.Source.URL), "events", added, "filtered", filtered)
	}

	if stats.Filtered > 0 {
		logger.Info("merge: events outside date window dropped", "filtered", stats.Filtered)
	}
	return cal, stats
}

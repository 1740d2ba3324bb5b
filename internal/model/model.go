package model

import "time"

// DefaultLabel replaces event titles when details are hidden and the source
// carries no label of its own.
const DefaultLabel = "Busy"

// Source is one entry of the source list: a feed URL plus an optional
// display label used when event details are hidden.
type Source struct {
	URL   string
	Label string
}

// DisplayLabel returns the label to use for anonymized events.
func (s Source) DisplayLabel() string {
	if s.Label == "" {
		return DefaultLabel
	}
	return s.Label
}

// Token grants one viewer access to the merged calendar.
type Token struct {
	Username string
	Token    string

	// Expiration is nil for tokens that never expire.
	Expiration *time.Time
}

// Status classifies a token relative to a point in time.
type Status string

const (
	StatusActive           Status = "active"
	StatusExpiringToday    Status = "expiring-today"
	StatusExpiringThisWeek Status = "expiring-this-week"
	StatusExpired          Status = "expired"
)

// StatusAt computes the token status at now. Expiration is compared as an
// instant; "today" is the calendar day of now in now's location.
func (t Token) StatusAt(now time.Time) Status {
	if t.Expiration == nil {
		return StatusActive
	}
	exp := *t.Expiration
	if !exp.After(now) {
		return StatusExpired
	}
	expLocal := exp.In(now.Location())
	if expLocal.Year() == now.Year() && expLocal.YearDay() == now.YearDay() {
		return StatusExpiringToday
	}
	if exp.Sub(now) <= 7*24*time.Hour {
		return StatusExpiringThisWeek
	}
	return StatusActive
}

// Live reports whether an access link should exist for the token at now.
func (t Token) Live(now time.Time) bool {
	return t.StatusAt(now) != StatusExpired
}

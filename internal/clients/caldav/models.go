package caldav

import "time"

// Calendar is a calendar collection discovered under the user's home set.
type Calendar struct {
	Name string
	URL  string // absolute collection URL, stable across sessions
	CTag string // collection version token, informational only
}

// Event is a single VEVENT occurrence as exchanged with the server.
//
// ID is the locally unique identifier: equal to UID for simple events, or
// UID + "_" + start instant for occurrences of a recurring series, which
// lets expanded instances coexist while UID keeps routing mutations to the
// one remote resource.
type Event struct {
	ID              string
	UID             string
	Title           string
	Start           time.Time
	End             time.Time // inclusive; all-day exclusivity already corrected
	AllDay          bool
	Color           string
	Description     string
	Location        string
	RecurrenceFreq  string
	RecurrenceUntil *time.Time
	CalendarURL     string
}

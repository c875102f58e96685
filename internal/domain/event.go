package domain

import "time"

// Event sources. Records created by the user stay local until a remote
// save succeeds; records pulled from iCloud are owned by the sync engine.
const (
	SourceLocal  = "local"
	SourceICloud = "icloud"
)

// DefaultEventColor is applied to pulled events that carry no color marker.
const DefaultEventColor = "bg-blue-100"

// Event represents a calendar entry as stored locally.
//
// For simple events ID equals the remote UID. Expanded instances of a
// recurring series get one row each with ID = "<uid>_<start RFC3339>", so
// occurrences coexist while OriginalUID still routes edits and deletes back
// to the single remote resource.
type Event struct {
	ID              string
	OriginalUID     string
	Title           string
	Start           time.Time
	End             time.Time
	AllDay          bool
	Color           string
	Description     string
	Location        string
	Source          string
	CalendarName    string
	CalendarURL     string
	Type            string
	RecurrenceFreq  string
	RecurrenceUntil *time.Time
	Reminder        int // minutes before start, 0 = no reminder
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsRemote returns true if the event is backed by an iCloud resource.
func (e *Event) IsRemote() bool {
	return e.Source == SourceICloud && e.OriginalUID != ""
}

// IsInstance returns true if the event is one occurrence of a recurring
// series rather than the series itself.
func (e *Event) IsInstance() bool {
	return e.OriginalUID != "" && e.ID != e.OriginalUID
}

// FormatTime returns formatted time for display.
func (e *Event) FormatTime() string {
	if e.AllDay {
		return "Todo el día"
	}
	if e.End.IsZero() {
		return e.Start.Format("15:04")
	}
	return e.Start.Format("15:04") + "-" + e.End.Format("15:04")
}

// FormatDate returns formatted date for display.
func (e *Event) FormatDate() string {
	return e.Start.Format("02.01.2006")
}

// IsToday returns true if the event starts today.
func (e *Event) IsToday() bool {
	now := time.Now()
	return e.Start.Year() == now.Year() && e.Start.YearDay() == now.YearDay()
}

package domain

// Calendar is an immutable snapshot of a remote calendar collection taken
// at selection time. It is re-fetched, never merged, on re-authentication.
type Calendar struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Color string `json:"color,omitempty"`
	CTag  string `json:"ctag,omitempty"`
}

// Account holds the iCloud CalDAV credentials and the user's calendar
// selection. There is at most one account; saving replaces it wholesale.
type Account struct {
	Email              string
	AppPassword        string
	EnabledCalendars   []Calendar
	DefaultCalendarURL string
}

// IsConfigured returns true if the account has credentials.
func (a *Account) IsConfigured() bool {
	return a != nil && a.Email != "" && a.AppPassword != ""
}

// CalendarByURL returns the enabled calendar with the given URL, if any.
func (a *Account) CalendarByURL(url string) (Calendar, bool) {
	for _, c := range a.EnabledCalendars {
		if c.URL == url {
			return c, true
		}
	}
	return Calendar{}, false
}

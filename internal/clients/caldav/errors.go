package caldav

import "errors"

// Sentinel errors returned by the client. Callers distinguish them with
// errors.Is; everything else is either a transport failure or an
// unexpected-status error carrying the HTTP code in its message.
var (
	// ErrAuth means the server rejected the credentials (401/403). Retrying
	// without a new app-specific password is pointless.
	ErrAuth = errors.New("caldav: credentials rejected")

	// ErrNotFound means the addressed resource does not exist (404).
	ErrNotFound = errors.New("caldav: resource not found")

	// ErrConflict means a create hit an existing resource (412 on
	// If-None-Match: *). It is never converted into an update here.
	ErrConflict = errors.New("caldav: resource already exists")

	// ErrNoCalendars means discovery succeeded but the home set contains no
	// calendar collections.
	ErrNoCalendars = errors.New("caldav: no calendars found")

	// ErrMalformedResponse means an expected XML structure was absent.
	ErrMalformedResponse = errors.New("caldav: malformed server response")
)

package caldav

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultICloudURL is the iCloud CalDAV service root.
const DefaultICloudURL = "https://caldav.icloud.com"

// Client talks CalDAV to a single account using HTTP basic auth with an
// app-specific password.
type Client struct {
	baseURL    string
	username   string
	httpClient *http.Client
}

// NewClient creates a client for the given service root. An empty baseURL
// falls back to iCloud.
func NewClient(baseURL, username, password string) *Client {
	if baseURL == "" {
		baseURL = DefaultICloudURL
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		httpClient: &http.Client{
			Transport: &basicAuthTransport{username: username, password: password},
			Timeout:   30 * time.Second,
		},
	}
}

// IsConfigured reports whether the client has credentials to work with.
func (c *Client) IsConfigured() bool {
	return c.username != ""
}

type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// doRequest performs one authenticated request and returns the status code
// and body. 401/403 map to ErrAuth; transport failures come back wrapped so
// callers can tell "offline" from "server said no".
func (c *Client) doRequest(ctx context.Context, method, url string, headers map[string]string, body string) (int, []byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s %s: %w", method, url, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s response: %w", method, url, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, respBody, fmt.Errorf("%s %s: %w", method, url, ErrAuth)
	}
	return resp.StatusCode, respBody, nil
}

// absoluteURL resolves an href from a multistatus response, which iCloud
// returns as a path while other servers return full URLs.
func (c *Client) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return c.baseURL + href
}

func (c *Client) eventURL(calendarURL, uid string) string {
	return strings.TrimSuffix(calendarURL, "/") + "/" + uid + ".ics"
}

const propfindPrincipal = `<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:current-user-principal />
  </d:prop>
</d:propfind>`

const propfindHomeSet = `<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set />
  </d:prop>
</d:propfind>`

const propfindCalendars = `<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname />
    <d:resourcetype />
    <cs:getctag />
  </d:prop>
</d:propfind>`

const reportEvents = `<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag />
    <c:calendar-data />
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s" />
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// PrincipalURL resolves the current user's principal from the service root.
func (c *Client) PrincipalURL(ctx context.Context) (string, error) {
	status, body, err := c.doRequest(ctx, "PROPFIND", c.baseURL+"/", map[string]string{"Depth": "0"}, propfindPrincipal)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("propfind principal: unexpected status %d", status)
	}
	responses, err := parseMultistatus(body)
	if err != nil {
		return "", err
	}
	for _, resp := range responses {
		principal := findFirst(resp.prop, "current-user-principal")
		if href := textOf(findFirst(principal, "href")); href != "" {
			return href, nil
		}
	}
	return "", fmt.Errorf("%w: current-user-principal href missing", ErrMalformedResponse)
}

// CalendarHomeSet resolves the calendar home collection for a principal.
func (c *Client) CalendarHomeSet(ctx context.Context, principalURL string) (string, error) {
	status, body, err := c.doRequest(ctx, "PROPFIND", c.absoluteURL(principalURL), map[string]string{"Depth": "0"}, propfindHomeSet)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("propfind home set: unexpected status %d", status)
	}
	responses, err := parseMultistatus(body)
	if err != nil {
		return "", err
	}
	for _, resp := range responses {
		homeSet := findFirst(resp.prop, "calendar-home-set")
		if href := textOf(findFirst(homeSet, "href")); href != "" {
			return c.absoluteURL(href), nil
		}
	}
	return "", fmt.Errorf("%w: calendar-home-set href missing", ErrMalformedResponse)
}

// Calendars runs the full discovery chain: principal, home set, then the
// collections one level below it. Entries whose resourcetype lacks the
// calendar marker (the home collection itself, inbox, outbox, reminder
// lists) are filtered out.
func (c *Client) Calendars(ctx context.Context) ([]Calendar, error) {
	principalURL, err := c.PrincipalURL(ctx)
	if err != nil {
		return nil, err
	}
	homeURL, err := c.CalendarHomeSet(ctx, principalURL)
	if err != nil {
		return nil, err
	}

	status, body, err := c.doRequest(ctx, "PROPFIND", homeURL, map[string]string{"Depth": "1"}, propfindCalendars)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("propfind calendars: unexpected status %d", status)
	}
	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}

	var calendars []Calendar
	for _, resp := range responses {
		resourceType := findFirst(resp.prop, "resourcetype")
		if findFirst(resourceType, "calendar") == nil {
			continue
		}
		name := textOf(findFirst(resp.prop, "displayname"))
		if name == "" {
			name = "Calendario Sin Nombre"
		}
		calendars = append(calendars, Calendar{
			Name: name,
			URL:  c.absoluteURL(resp.href),
			CTag: textOf(findFirst(resp.prop, "getctag")),
		})
	}
	if len(calendars) == 0 {
		return nil, ErrNoCalendars
	}
	return calendars, nil
}

// Events fetches the VEVENTs of one calendar that intersect [from, to] and
// returns them expanded into display-ready occurrences. A blob that fails
// to parse is skipped with a warning; the rest of the calendar survives.
func (c *Client) Events(ctx context.Context, calendarURL string, from, to time.Time) ([]Event, error) {
	body := fmt.Sprintf(reportEvents, from.UTC().Format(icalDateTimeUTC), to.UTC().Format(icalDateTimeUTC))
	status, respBody, err := c.doRequest(ctx, "REPORT", calendarURL, map[string]string{"Depth": "1"}, body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("report %s: unexpected status %d", calendarURL, status)
	}
	responses, err := parseMultistatus(respBody)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, resp := range responses {
		data := textOf(findFirst(resp.prop, "calendar-data"))
		if data == "" {
			continue
		}
		parsed, err := parseCalendarData(data, calendarURL, from, to)
		if err != nil {
			log.Printf("caldav: skipping %s: %v", resp.href, err)
			continue
		}
		events = append(events, parsed...)
	}
	return events, nil
}

// CreateEvent uploads a new event. If-None-Match guards against clobbering
// an existing resource; a 412 surfaces as ErrConflict and is never turned
// into an update.
func (c *Client) CreateEvent(ctx context.Context, calendarURL string, ev *Event) (*Event, error) {
	if ev.UID == "" {
		ev.UID = uuid.NewString()
	}
	ics, err := encodeEvent(ev)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Content-Type":  "text/calendar; charset=utf-8",
		"If-None-Match": "*",
	}
	status, _, err := c.doRequest(ctx, http.MethodPut, c.eventURL(calendarURL, ev.UID), headers, ics)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPreconditionFailed {
		return nil, fmt.Errorf("create event %s: %w", ev.UID, ErrConflict)
	}
	if status >= 300 {
		return nil, fmt.Errorf("create event %s: unexpected status %d", ev.UID, status)
	}
	created := *ev
	created.ID = ev.UID
	created.CalendarURL = calendarURL
	return &created, nil
}

// UpdateEvent replaces the remote resource for the event's UID.
func (c *Client) UpdateEvent(ctx context.Context, calendarURL string, ev *Event) error {
	ics, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return c.putRaw(ctx, c.eventURL(calendarURL, ev.UID), ics)
}

// DeleteEvent removes the remote resource. A 404 maps to ErrNotFound so
// callers can treat "already gone" as success.
func (c *Client) DeleteEvent(ctx context.Context, calendarURL, uid string) error {
	status, _, err := c.doRequest(ctx, http.MethodDelete, c.eventURL(calendarURL, uid), nil, "")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("delete event %s: %w", uid, ErrNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("delete event %s: unexpected status %d", uid, status)
	}
	return nil
}

// ExcludeInstance removes a single occurrence from a recurring series by
// patching an EXDATE into the stored resource text. The rest of the
// resource, including properties this client does not model, is preserved
// byte for byte.
func (c *Client) ExcludeInstance(ctx context.Context, calendarURL, uid string, instance time.Time) error {
	url := c.eventURL(calendarURL, uid)
	raw, err := c.fetchRaw(ctx, url)
	if err != nil {
		return err
	}
	return c.putRaw(ctx, url, injectExDate(raw, instance))
}

// TruncateSeries ends a recurring series on lastValid by patching the
// RRULE's UNTIL bound in the stored resource text.
func (c *Client) TruncateSeries(ctx context.Context, calendarURL, uid string, lastValid time.Time) error {
	url := c.eventURL(calendarURL, uid)
	raw, err := c.fetchRaw(ctx, url)
	if err != nil {
		return err
	}
	return c.putRaw(ctx, url, truncateRRule(raw, lastValid))
}

func (c *Client) fetchRaw(ctx context.Context, url string) (string, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("get %s: %w", url, ErrNotFound)
	}
	if status >= 300 {
		return "", fmt.Errorf("get %s: unexpected status %d", url, status)
	}
	return string(body), nil
}

func (c *Client) putRaw(ctx context.Context, url, body string) error {
	status, _, err := c.doRequest(ctx, http.MethodPut, url, map[string]string{"Content-Type": "text/calendar; charset=utf-8"}, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("put %s: %w", url, ErrNotFound)
	}
	if status >= 300 {
		return fmt.Errorf("put %s: unexpected status %d", url, status)
	}
	return nil
}

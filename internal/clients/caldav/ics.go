package caldav

import (
	"bytes"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

const (
	icalDateTime    = "20060102T150405"
	icalDate        = "20060102"
	icalDateTimeUTC = "20060102T150405Z"

	// Hard cap on expanded occurrences per series. A runaway daily rule over
	// an 18 month window stays in the hundreds; anything past this is a
	// malformed rule.
	maxExpandedOccurrences = 1000
)

var (
	colorMarkerRe = regexp.MustCompile(`<COLOR:(#[0-9A-Fa-f]{6})>\n?`)
	dtstampLineRe = regexp.MustCompile(`(?m)^DTSTAMP:[^\r\n]*`)
	rruleLineRe   = regexp.MustCompile(`(?m)^RRULE[^\r\n]*`)
	untilClauseRe = regexp.MustCompile(`UNTIL=[^;\r\n]*`)
)

// encodeEvent serializes an event as a single-VEVENT VCALENDAR.
//
// Timed events are written as floating local time, no Z suffix and no TZID:
// the wall-clock hour the user typed must come back as the same wall-clock
// hour. All-day events are written as DATE values with the exclusive DTEND
// the protocol requires.
func encodeEvent(ev *Event) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Plandesk//Planner//ES")

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, ev.UID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetText(ical.PropSummary, ev.Title)

	if ev.AllDay {
		startDay := truncateToDay(ev.Start)
		endDay := truncateToDay(ev.End).AddDate(0, 0, 1)
		if !endDay.After(startDay) {
			endDay = startDay.AddDate(0, 0, 1)
		}
		ve.Props.SetDate(ical.PropDateTimeStart, startDay)
		ve.Props.SetDate(ical.PropDateTimeEnd, endDay)
	} else {
		end := ev.End
		if end.IsZero() || !end.After(ev.Start) {
			end = ev.Start.Add(time.Hour)
		}
		setFloating(ve.Props, ical.PropDateTimeStart, ev.Start)
		setFloating(ve.Props, ical.PropDateTimeEnd, end)
	}

	if desc := embedColor(ev.Description, ev.Color); desc != "" {
		ve.Props.SetText(ical.PropDescription, desc)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if rule := formatRRule(ev.RecurrenceFreq, ev.RecurrenceUntil); rule != "" {
		// Raw prop, not SetText: the rule's semicolons must not be escaped.
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = rule
		ve.Props.Set(p)
	}

	cal.Children = append(cal.Children, ve.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode event %s: %w", ev.UID, err)
	}
	return buf.String(), nil
}

func setFloating(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.Value = t.Format(icalDateTime)
	props.Set(p)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func formatRRule(freq string, until *time.Time) string {
	if freq == "" || freq == "none" {
		return ""
	}
	rule := "FREQ=" + strings.ToUpper(freq)
	if until != nil {
		rule += ";UNTIL=" + until.Format(icalDate)
	}
	return rule
}

// parsedComponent is one VEVENT before series expansion.
type parsedComponent struct {
	uid          string
	title        string
	description  string
	location     string
	start        time.Time
	end          time.Time
	allDay       bool
	rawRRule     string
	freq         string
	until        *time.Time
	recurrenceID *time.Time
	exDates      []time.Time
}

// parseCalendarData turns one calendar-data blob into display-ready events:
// overrides and plain events pass through, recurring series are expanded
// into concrete occurrences within [from, to].
func parseCalendarData(data, calendarURL string, from, to time.Time) ([]Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar data: %w", err)
	}

	var comps []parsedComponent
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		pc, err := parseVEvent(child)
		if err != nil {
			log.Printf("caldav: skipping unparseable VEVENT: %v", err)
			continue
		}
		comps = append(comps, pc)
	}

	// A RECURRENCE-ID override shadows the matching slot of its series, so
	// collect the overridden instants before expanding anything.
	overridden := make(map[string][]time.Time)
	for _, pc := range comps {
		if pc.recurrenceID != nil {
			overridden[pc.uid] = append(overridden[pc.uid], *pc.recurrenceID)
		}
	}

	var events []Event
	for _, pc := range comps {
		switch {
		case pc.recurrenceID != nil:
			events = append(events, pc.toEvent(instanceID(pc.uid, pc.start), calendarURL))
		case pc.rawRRule != "":
			events = append(events, expandSeries(pc, overridden[pc.uid], calendarURL, from, to)...)
		default:
			events = append(events, pc.toEvent(pc.uid, calendarURL))
		}
	}
	return events, nil
}

func parseVEvent(comp *ical.Component) (parsedComponent, error) {
	var pc parsedComponent
	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		pc.uid = prop.Value
	}
	if pc.uid == "" {
		pc.uid = uuid.NewString()
	}
	pc.title = textProp(comp, ical.PropSummary)
	if pc.title == "" {
		pc.title = "Sin Título"
	}
	pc.description = textProp(comp, ical.PropDescription)
	pc.location = textProp(comp, ical.PropLocation)

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return pc, fmt.Errorf("event %s: missing DTSTART", pc.uid)
	}
	start, err := startProp.DateTime(time.Local)
	if err != nil {
		return pc, fmt.Errorf("event %s: parse DTSTART: %w", pc.uid, err)
	}
	pc.start = start
	pc.allDay = startProp.Params.Get(ical.ParamValue) == string(ical.ValueDate) ||
		len(startProp.Value) == len(icalDate)

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := endProp.DateTime(time.Local)
		if err != nil {
			return pc, fmt.Errorf("event %s: parse DTEND: %w", pc.uid, err)
		}
		if pc.allDay {
			// All-day DTEND is exclusive on the wire; pull it back onto the
			// last covered day.
			end = end.Add(-time.Millisecond)
		}
		pc.end = end
	} else if pc.allDay {
		pc.end = pc.start.Add(24*time.Hour - time.Millisecond)
	} else {
		pc.end = pc.start.Add(time.Hour)
	}

	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		rid, err := prop.DateTime(time.Local)
		if err != nil {
			return pc, fmt.Errorf("event %s: parse RECURRENCE-ID: %w", pc.uid, err)
		}
		pc.recurrenceID = &rid
	}
	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		pc.rawRRule = prop.Value
		pc.freq, pc.until = summarizeRRule(prop.Value)
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			t, err := parseICalTime(strings.TrimSpace(v))
			if err != nil {
				log.Printf("caldav: event %s: ignoring bad EXDATE %q: %v", pc.uid, v, err)
				continue
			}
			pc.exDates = append(pc.exDates, t)
		}
	}
	return pc, nil
}

func textProp(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// parseICalTime accepts the three time shapes that appear in EXDATE and
// UNTIL values: UTC datetime, floating datetime, bare date.
func parseICalTime(v string) (time.Time, error) {
	if t, err := time.Parse(icalDateTimeUTC, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(icalDateTime, v, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation(icalDate, v, time.Local)
}

// summarizeRRule extracts the frequency and end bound for display. The full
// rule text is never reconstructed from these; mutations patch the raw
// resource instead.
func summarizeRRule(rule string) (string, *time.Time) {
	var freq string
	var until *time.Time
	for _, part := range strings.Split(rule, ";") {
		switch {
		case strings.HasPrefix(part, "FREQ="):
			freq = strings.ToLower(strings.TrimPrefix(part, "FREQ="))
		case strings.HasPrefix(part, "UNTIL="):
			if t, err := parseICalTime(strings.TrimPrefix(part, "UNTIL=")); err == nil {
				until = &t
			}
		}
	}
	return freq, until
}

func instanceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(time.RFC3339)
}

func (pc parsedComponent) toEvent(id, calendarURL string) Event {
	color, desc := extractColor(pc.description)
	return Event{
		ID:              id,
		UID:             pc.uid,
		Title:           pc.title,
		Start:           pc.start,
		End:             pc.end,
		AllDay:          pc.allDay,
		Color:           color,
		Description:     desc,
		Location:        pc.location,
		RecurrenceFreq:  pc.freq,
		RecurrenceUntil: pc.until,
		CalendarURL:     calendarURL,
	}
}

// expandSeries materializes the occurrences of a recurring VEVENT inside
// the window, skipping EXDATEs and slots shadowed by overrides. Each
// occurrence keeps the series duration. On an unparseable rule the base
// event is returned alone rather than dropping the series.
func expandSeries(pc parsedComponent, overridden []time.Time, calendarURL string, from, to time.Time) []Event {
	r, err := rrule.StrToRRule(pc.rawRRule)
	if err != nil {
		log.Printf("caldav: event %s: unparseable RRULE %q: %v", pc.uid, pc.rawRRule, err)
		return []Event{pc.toEvent(pc.uid, calendarURL)}
	}
	r.DTStart(pc.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range pc.exDates {
		set.ExDate(ex.In(pc.start.Location()))
	}

	starts := set.Between(from.In(pc.start.Location()), to.In(pc.start.Location()), true)
	if len(starts) > maxExpandedOccurrences {
		log.Printf("caldav: event %s: capping series at %d occurrences", pc.uid, maxExpandedOccurrences)
		starts = starts[:maxExpandedOccurrences]
	}

	duration := pc.end.Sub(pc.start)
	var out []Event
	for _, occStart := range starts {
		if containsInstant(overridden, occStart) {
			continue
		}
		inst := pc
		if pc.allDay {
			day := truncateToDay(occStart)
			inst.start = day
			inst.end = day.Add(24*time.Hour - time.Millisecond)
		} else {
			inst.start = occStart
			inst.end = occStart.Add(duration)
		}
		out = append(out, inst.toEvent(instanceID(pc.uid, inst.start), calendarURL))
	}
	return out
}

func containsInstant(instants []time.Time, t time.Time) bool {
	for _, i := range instants {
		if i.Equal(t) {
			return true
		}
	}
	return false
}

// extractColor pulls the embedded display color out of a description.
func extractColor(desc string) (color, clean string) {
	m := colorMarkerRe.FindStringSubmatch(desc)
	if m == nil {
		return "", desc
	}
	return m[1], strings.TrimSpace(colorMarkerRe.ReplaceAllString(desc, ""))
}

// embedColor prefixes the description with a color marker. Any marker a
// previous save left behind is stripped first so markers never stack.
// Palette names (non-hex colors) are local-only and are not embedded.
func embedColor(desc, color string) string {
	_, clean := extractColor(desc)
	if !strings.HasPrefix(color, "#") {
		return clean
	}
	marker := "<COLOR:" + color + ">"
	if clean == "" {
		return marker
	}
	return marker + "\n" + clean
}

// injectExDate adds an EXDATE line for the given day to the series master
// of a raw resource. Patching the stored text instead of re-serializing
// through the codec keeps properties this client does not understand intact.
func injectExDate(raw string, instance time.Time) string {
	line := "EXDATE;VALUE=DATE:" + instance.Format(icalDate)
	return patchMasterVEvent(raw, func(block string) string {
		return appendLine(refreshDTStamp(block), line)
	})
}

// truncateRRule rewrites the UNTIL bound of the master RRULE line in a raw
// resource, adding one if the rule had no end. Everything else is untouched.
func truncateRRule(raw string, lastValid time.Time) string {
	until := "UNTIL=" + lastValid.Format(icalDate)
	return patchMasterVEvent(raw, func(block string) string {
		block = refreshDTStamp(block)
		return rruleLineRe.ReplaceAllStringFunc(block, func(line string) string {
			if untilClauseRe.MatchString(line) {
				return untilClauseRe.ReplaceAllString(line, until)
			}
			return line + ";" + until
		})
	})
}

// patchMasterVEvent applies fn to the master VEVENT body, the component
// without a RECURRENCE-ID. Resources holding per-occurrence overrides carry
// several VEVENTs and only the master owns the RRULE and EXDATE lines, so
// edits must never land in an override. The body handed to fn runs from its
// BEGIN:VEVENT line up to, not including, its END:VEVENT line.
func patchMasterVEvent(raw string, fn func(block string) string) string {
	begin, end, ok := masterVEventBounds(raw)
	if !ok {
		return raw
	}
	return raw[:begin] + fn(raw[begin:end]) + raw[end:]
}

func masterVEventBounds(raw string) (begin, end int, ok bool) {
	offset := 0
	for {
		rel := strings.Index(raw[offset:], "BEGIN:VEVENT")
		if rel < 0 {
			return 0, 0, false
		}
		begin = offset + rel
		endRel := strings.Index(raw[begin:], "END:VEVENT")
		if endRel < 0 {
			return 0, 0, false
		}
		end = begin + endRel
		if !strings.Contains(raw[begin:end], "RECURRENCE-ID") {
			return begin, end, true
		}
		offset = end + len("END:VEVENT")
	}
}

func refreshDTStamp(block string) string {
	stamp := "DTSTAMP:" + time.Now().UTC().Format(icalDateTimeUTC)
	if dtstampLineRe.MatchString(block) {
		return dtstampLineRe.ReplaceAllString(block, stamp)
	}
	return appendLine(block, stamp)
}

func appendLine(block, line string) string {
	if !strings.HasSuffix(block, "\n") {
		block += "\r\n"
	}
	return block + line + "\r\n"
}

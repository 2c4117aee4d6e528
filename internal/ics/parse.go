package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
)

// Event is a VEVENT read back from a calendar file.
type Event struct {
	UID        string
	Summary    string
	Start      time.Time
	End        time.Time
	RRule      string
	Categories []string
}

// Recurring reports whether the event carries an RRULE.
func (e Event) Recurring() bool { return e.RRule != "" }

// ParseICS parses a calendar payload. VEVENTs that cannot be read are logged
// and skipped.
func ParseICS(body []byte) ([]Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var events []Event
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			appLog.Warn("skipping unreadable vevent", "reason", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (Event, error) {
	var out Event

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	t, err := propTime(start)
	if err != nil {
		return out, fmt.Errorf("event %s DTSTART: %w", out.UID, err)
	}
	out.Start = t

	if end := ve.GetProperty(ical.ComponentPropertyDtEnd); end != nil {
		t, err := propTime(end)
		if err != nil {
			return out, fmt.Errorf("event %s DTEND: %w", out.UID, err)
		}
		out.End = t
	} else {
		out.End = out.Start
	}
	if out.End.Before(out.Start) {
		return out, fmt.Errorf("event %s ends before it starts", out.UID)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out.Categories = append(out.Categories, c)
			}
		}
	}
	return out, nil
}

const (
	layoutUTC   = "20060102T150405Z"
	layoutLocal = "20060102T150405"
	layoutDate  = "20060102"
)

// propTime reads a DATE or DATE-TIME property, honouring its TZID parameter.
// Floating times without TZID are read as UTC.
func propTime(p *ical.IANAProperty) (time.Time, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse(layoutUTC, v)
	}

	loc := time.UTC
	if tz := p.ICalParameters[string(ical.ParameterTzid)]; len(tz) > 0 && tz[0] != "" {
		l, err := time.LoadLocation(tz[0])
		if err != nil {
			return time.Time{}, fmt.Errorf("TZID %q: %w", tz[0], err)
		}
		loc = l
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation(layoutLocal, v, loc)
	}
	return time.ParseInLocation(layoutDate, v, loc)
}

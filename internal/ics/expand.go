package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/event"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const defaultMaxOccurrences = 500

// Window is the half-open range [From, To) occurrences are expanded into.
type Window struct {
	From time.Time
	To   time.Time
	// Location is the zone occurrences are reported in. Nil means UTC.
	Location *time.Location
	// MaxPerEvent caps expansion of a single recurring event.
	MaxPerEvent int
}

// DaysFrom returns the window covering days whole days starting at from.
func DaysFrom(from model.Date, days int, loc *time.Location) Window {
	start := from.In(loc)
	return Window{From: start, To: from.AddDays(days).In(loc), Location: loc}
}

// ExpandOccurrences turns the events of owner into the concrete occurrences
// that start inside w, sorted by start time. Weekly rules are expanded with
// the event's DTSTART as anchor.
func ExpandOccurrences(owner string, events []Event, w Window) ([]model.Occurrence, error) {
	if !w.From.Before(w.To) {
		return nil, errors.New("expand: empty window")
	}
	if w.Location == nil {
		w.Location = time.UTC
	}
	if w.MaxPerEvent <= 0 {
		w.MaxPerEvent = defaultMaxOccurrences
	}

	var out []model.Occurrence
	for _, ev := range events {
		if !ev.Recurring() {
			if !ev.Start.Before(w.From) && ev.Start.Before(w.To) {
				out = append(out, occurrence(owner, ev, ev.Start, ev.End, w.Location))
			}
			continue
		}

		r, err := rrule.StrToRRule(ev.RRule)
		if err != nil {
			appLog.Warn("skipping event with unreadable RRULE", "uid", ev.UID, "rrule", ev.RRule)
			continue
		}
		r.DTStart(ev.Start)
		loc := ev.Start.Location()
		starts := r.Between(w.From.In(loc), w.To.In(loc), true)
		if len(starts) > w.MaxPerEvent {
			appLog.Warn("truncating recurring event expansion", "uid", ev.UID, "cap", w.MaxPerEvent)
			starts = starts[:w.MaxPerEvent]
		}
		dur := ev.End.Sub(ev.Start)
		for _, s := range starts {
			if !s.Before(w.To) {
				continue
			}
			out = append(out, occurrence(owner, ev, s, s.Add(dur), w.Location))
		}
	}
	SortOccurrences(out)
	return out, nil
}

func occurrence(owner string, ev Event, start, end time.Time, loc *time.Location) model.Occurrence {
	start = start.In(loc)
	return model.Occurrence{
		Owner:       owner,
		ExternalID:  ev.UID,
		Subject:     ev.Summary,
		InstanceKey: ev.UID + "/" + start.Format(time.RFC3339),
		Recurring:   ev.Recurring(),
		Start:       start,
		End:         end.In(loc),
	}
}

// SortOccurrences orders occurrences by start, then owner and subject.
func SortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		return a.Subject < b.Subject
	})
}

// SnapshotEvents renders synced events as calendar events the way they were
// created remotely, anchoring weekly slots on or after anchor.
func SnapshotEvents(b *event.Builder, events []model.SyncedEvent, anchor model.Date) ([]Event, error) {
	out := make([]Event, 0, len(events))
	for _, se := range events {
		if se.Slot == nil {
			return nil, fmt.Errorf("synced event %q has no slot", se.ExternalID)
		}
		body, err := b.Build(se.Slot, anchor)
		if err != nil {
			return nil, err
		}
		ev := Event{
			UID:        se.ExternalID,
			Summary:    se.Subject,
			Start:      body.Start,
			End:        body.End,
			Categories: body.Categories,
		}
		if ev.Summary == "" {
			ev.Summary = body.Subject
		}
		if body.Recurrence != nil {
			ev.RRule = body.Recurrence.RRule
		}
		out = append(out, ev)
	}
	return out, nil
}

// Agenda expands a whole snapshot into the occurrences of the days-long
// window starting at from.
func Agenda(b *event.Builder, events model.EventsByOwner, from model.Date, days int) ([]model.Occurrence, error) {
	if days <= 0 {
		return nil, fmt.Errorf("agenda: days must be positive, got %d", days)
	}
	w := DaysFrom(from, days, b.Location())
	var all []model.Occurrence
	for _, owner := range events.Owners() {
		evs, err := SnapshotEvents(b, events[owner], from)
		if err != nil {
			return nil, fmt.Errorf("owner %s: %w", owner, err)
		}
		occ, err := ExpandOccurrences(owner, evs, w)
		if err != nil {
			return nil, err
		}
		all = append(all, occ...)
	}
	SortOccurrences(all)
	return all, nil
}

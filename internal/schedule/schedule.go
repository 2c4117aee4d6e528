// Package schedule reads exported schedule files into desired slots keyed by
// the source system's person names.
//
// A recurring file looks like
//
//	{"Emily VIP/TP TAYLOR": [{"day": "Monday", "start": "09:00", "end": "10:30"}]}
//
// and a dated file like
//
//	{"Emily TAYLOR": [{"date": "2026-03-02", "start": "14:00", "end": "15:30",
//	                   "type": "VAD", "name": "Client", "online": false}]}
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Schedules maps a raw source name to its slots, in file order.
type Schedules map[string][]model.Slot

// Names returns the source names in sorted order.
func (s Schedules) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of slots.
func (s Schedules) Count() int {
	n := 0
	for _, slots := range s {
		n += len(slots)
	}
	return n
}

// Add appends slots to name, skipping any slot already present for name.
func (s Schedules) Add(name string, slots ...model.Slot) {
	seen := make(map[model.Slot]struct{}, len(s[name])+len(slots))
	for _, existing := range s[name] {
		seen[existing] = struct{}{}
	}
	for _, slot := range slots {
		if _, dup := seen[slot]; dup {
			continue
		}
		seen[slot] = struct{}{}
		s[name] = append(s[name], slot)
	}
}

type rawSlot struct {
	Day    string `json:"day"`
	Date   string `json:"date"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Type   string `json:"type"`
	Online bool   `json:"online"`
}

func (r rawSlot) slot(kind model.Kind) (model.Slot, error) {
	start, err := model.ParseClock(r.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := model.ParseClock(r.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}

	var slot model.Slot
	switch kind {
	case model.KindRecurring:
		day, err := model.ParseWeekday(r.Day)
		if err != nil {
			return nil, err
		}
		slot = model.Weekly{Day: day, Start: start, End: end}
	case model.KindDated:
		date, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		slot = model.Dated{
			Date:     date,
			Start:    start,
			End:      end,
			Activity: strings.ToUpper(strings.TrimSpace(r.Type)),
			Online:   r.Online,
		}
	default:
		return nil, fmt.Errorf("unknown sync kind %q", kind)
	}
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	return slot, nil
}

// Decode parses one exported schedule document of the given kind. A
// malformed slot fails the whole document so that a partial file never
// turns into deletions.
func Decode(kind model.Kind, data []byte) (Schedules, error) {
	var raw map[string][]rawSlot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	out := make(Schedules, len(raw))
	for name, rows := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		slots := make([]model.Slot, 0, len(rows))
		for i, row := range rows {
			slot, err := row.slot(kind)
			if err != nil {
				return nil, fmt.Errorf("schedule %q slot %d: %w", name, i, err)
			}
			slots = append(slots, slot)
		}
		out.Add(name, slots...)
	}
	return out, nil
}

// Loader reads schedule documents from local paths or http(s) URLs.
type Loader struct {
	// Fetcher serves URL locations. It may be nil when only files are used.
	Fetcher *Fetcher
}

// Load reads and merges every location in order. A missing or unreadable
// location is an error: syncing against a partial schedule would delete the
// events of everyone it leaves out.
func (l *Loader) Load(ctx context.Context, kind model.Kind, locations []string) (Schedules, error) {
	merged := make(Schedules)
	for _, loc := range locations {
		data, err := l.read(ctx, loc)
		if err != nil {
			return nil, err
		}
		doc, err := Decode(kind, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", redactURL(loc), err)
		}
		for _, name := range doc.Names() {
			merged.Add(name, doc[name]...)
		}
		appLog.Debug("schedule loaded", "location", redactURL(loc), "names", len(doc), "slots", doc.Count())
	}
	return merged, nil
}

func (l *Loader) read(ctx context.Context, loc string) ([]byte, error) {
	if isURL(loc) {
		if l.Fetcher == nil {
			return nil, fmt.Errorf("schedule %s: no fetcher configured for URLs", redactURL(loc))
		}
		res, err := l.Fetcher.Fetch(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("fetch schedule %s: %w", redactURL(loc), err)
		}
		return res.Body, nil
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return data, nil
}

func isURL(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

// LocalPaths returns the locations that are plain files, for watching.
func LocalPaths(locations []string) []string {
	var out []string
	for _, loc := range locations {
		if !isURL(loc) {
			out = append(out, loc)
		}
	}
	return out
}

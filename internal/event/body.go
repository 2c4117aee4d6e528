// Package event turns desired slots into remote calendar event bodies.
package event

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/model"
)

// Recurrence describes an open-ended weekly repetition.
type Recurrence struct {
	Day time.Weekday
	// StartDate is the first occurrence of Day on or after the build date.
	StartDate model.Date
	// RRule is the iCalendar rule, without DTSTART (e.g. "FREQ=WEEKLY;BYDAY=MO").
	RRule string
}

// Body is a store-neutral event payload. Start and End are wall-clock times
// in Location; TimeZone carries the IANA name for stores that need it.
type Body struct {
	Subject    string
	Start      time.Time
	End        time.Time
	TimeZone   string
	ShowAs     string
	ReminderOn bool
	Categories []string
	Recurrence *Recurrence
}

// ActivityType is the presentation of one private-lesson activity code.
type ActivityType struct {
	Label string `yaml:"label" json:"label"`
	// Color is an Outlook category preset ("preset0".."preset24").
	Color string `yaml:"color" json:"color"`
}

// Category is a named colour category that dated events are tagged with.
type Category struct {
	Name  string
	Color string
}

// Options configures a Builder.
type Options struct {
	TimeZone        string
	TeachingSubject string
	PrivatePrefix   string
	Activities      map[string]ActivityType
	DefaultActivity ActivityType
}

// Builder renders slots using the configured subjects, activity table and
// time zone.
type Builder struct {
	opts Options
	loc  *time.Location
}

func NewBuilder(opts Options) (*Builder, error) {
	if opts.TimeZone == "" {
		opts.TimeZone = "UTC"
	}
	loc, err := time.LoadLocation(opts.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", opts.TimeZone, err)
	}
	if opts.TeachingSubject == "" {
		opts.TeachingSubject = "Teaching"
	}
	if opts.PrivatePrefix == "" {
		opts.PrivatePrefix = "Private:"
	}
	if opts.DefaultActivity.Label == "" {
		opts.DefaultActivity = ActivityType{Label: "Private Lesson", Color: "preset10"}
	}
	return &Builder{opts: opts, loc: loc}, nil
}

func (b *Builder) Location() *time.Location { return b.loc }

// Prefix returns the subject prefix that every event of kind starts with.
// The first-run clear only ever deletes events matching this prefix.
func (b *Builder) Prefix(kind model.Kind) string {
	if kind == model.KindDated {
		return b.opts.PrivatePrefix
	}
	return b.opts.TeachingSubject
}

// Build renders slot. Recurring slots are anchored at the next occurrence of
// their weekday on or after today.
func (b *Builder) Build(slot model.Slot, today model.Date) (Body, error) {
	if err := slot.Validate(); err != nil {
		return Body{}, fmt.Errorf("slot %s: %w", slot, err)
	}
	switch s := slot.(type) {
	case model.Weekly:
		first, err := NextWeekday(s.Day.Day(), today)
		if err != nil {
			return Body{}, err
		}
		return Body{
			Subject:  b.opts.TeachingSubject,
			Start:    s.Start.On(first, b.loc),
			End:      s.End.On(first, b.loc),
			TimeZone: b.opts.TimeZone,
			ShowAs:   "busy",
			Recurrence: &Recurrence{
				Day:       s.Day.Day(),
				StartDate: first,
				RRule:     WeeklyRule(s.Day.Day()),
			},
		}, nil
	case model.Dated:
		return Body{
			Subject:    b.Subject(s),
			Start:      s.Start.On(s.Date, b.loc),
			End:        s.End.On(s.Date, b.loc),
			TimeZone:   b.opts.TimeZone,
			ShowAs:     "busy",
			Categories: []string{b.CategoryName(s)},
		}, nil
	default:
		return Body{}, fmt.Errorf("unsupported slot type %T", slot)
	}
}

// Subject is the event subject for slot, e.g. "Private: VAD - VIP Adults (Online)".
func (b *Builder) Subject(slot model.Slot) string {
	d, ok := slot.(model.Dated)
	if !ok {
		return b.opts.TeachingSubject
	}
	info := b.activity(d.Activity)
	subject := fmt.Sprintf("%s %s - %s", b.opts.PrivatePrefix, d.Activity, info.Label)
	if d.Online {
		subject += " (Online)"
	}
	return subject
}

// CategoryName is the colour category a dated slot is filed under.
func (b *Builder) CategoryName(d model.Dated) string {
	if d.Activity == "" {
		return b.opts.DefaultActivity.Label
	}
	return fmt.Sprintf("%s - %s", d.Activity, b.activity(d.Activity).Label)
}

// Categories lists every configured activity category, sorted by name.
func (b *Builder) Categories() []Category {
	out := make([]Category, 0, len(b.opts.Activities))
	for code, info := range b.opts.Activities {
		out = append(out, Category{Name: fmt.Sprintf("%s - %s", code, info.Label), Color: info.Color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Builder) activity(code string) ActivityType {
	if info, ok := b.opts.Activities[code]; ok {
		return info
	}
	return b.opts.DefaultActivity
}

var rruleDays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// WeeklyRule returns the RRULE value for a weekly repetition on day.
func WeeklyRule(day time.Weekday) string {
	opt := rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  1,
		Byweekday: []rrule.Weekday{rruleDays[day]},
	}
	return opt.String()
}

// NextWeekday returns the first date on or after from that falls on day.
func NextWeekday(day time.Weekday, from model.Date) (model.Date, error) {
	start := from.In(time.UTC)
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Count:     1,
		Byweekday: []rrule.Weekday{rruleDays[day]},
		Dtstart:   start,
	})
	if err != nil {
		return model.Date{}, fmt.Errorf("weekly rule for %s: %w", day, err)
	}
	occ := r.All()
	if len(occ) == 0 {
		return model.Date{}, fmt.Errorf("no occurrence of %s after %s", day, from)
	}
	return model.DateOf(occ[0]), nil
}

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day with minute precision ("HH:MM").
// The zero value means "not set".
type Clock struct {
	minutes int
	valid   bool
}

// NewClock builds a Clock from hour and minute. It panics on out-of-range
// values and is meant for literals in code and tests.
func NewClock(hour, minute int) Clock {
	c, err := ParseClock(fmt.Sprintf("%02d:%02d", hour, minute))
	if err != nil {
		panic(err)
	}
	return c
}

// ParseClock parses "HH:MM" (24h). A single-digit hour ("9:00") is accepted.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || len(hh) > 2 || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid time %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid time %q: bad minute", s)
	}
	return Clock{minutes: h*60 + m, valid: true}, nil
}

func (c Clock) IsZero() bool { return !c.valid }

func (c Clock) Hour() int   { return c.minutes / 60 }
func (c Clock) Minute() int { return c.minutes % 60 }

// Before reports whether c is strictly earlier in the day than o.
func (c Clock) Before(o Clock) bool { return c.minutes < o.minutes }

// On returns the instant at this clock time on the given calendar day.
func (c Clock) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, c.Hour(), c.Minute(), 0, 0, loc)
}

func (c Clock) String() string {
	if !c.valid {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = Clock{}
		return nil
	}
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Date is a calendar day without time zone ("YYYY-MM-DD").
// The zero value means "not set".
type Date struct {
	year  int
	month time.Month
	day   int
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{year: t.Year(), month: t.Month(), day: t.Day()}
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d.year == 0 && d.month == 0 && d.day == 0 }

func (d Date) Weekday() time.Weekday {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the date n days after d.
func (d Date) AddDays(n int) Date {
	return NewDate(d.year, d.month, d.day+n)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Weekday is a day of the week serialized by its English name ("Monday").
// The zero value means "not set"; use Day to get the time.Weekday.
type Weekday struct {
	day   time.Weekday
	valid bool
}

func NewWeekday(d time.Weekday) Weekday {
	return Weekday{day: d, valid: true}
}

// ParseWeekday accepts full English day names, case-insensitive, and the
// common three-letter abbreviations.
func ParseWeekday(s string) (Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return NewWeekday(d), nil
		}
	}
	return Weekday{}, fmt.Errorf("invalid weekday %q", s)
}

func (w Weekday) IsZero() bool       { return !w.valid }
func (w Weekday) Day() time.Weekday { return w.day }

func (w Weekday) String() string {
	if !w.valid {
		return ""
	}
	return w.day.String()
}

func (w Weekday) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Weekday) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*w = Weekday{}
		return nil
	}
	parsed, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

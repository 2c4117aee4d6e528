package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind discriminates the two slot variants. The string values are the
// sync_type values persisted in snapshot files.
type Kind string

const (
	// KindRecurring is a weekly recurring teaching block ("method" classes).
	KindRecurring Kind = "method"
	// KindDated is a one-time dated lesson ("vip" private classes).
	KindDated Kind = "vip"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindRecurring:
		return KindRecurring, nil
	case KindDated:
		return KindDated, nil
	default:
		return "", fmt.Errorf("unknown sync kind %q (want %q or %q)", s, KindRecurring, KindDated)
	}
}

// Slot is one desired schedule occurrence. It is implemented by Weekly and
// Dated only.
type Slot interface {
	Kind() Kind
	// Validate reports missing or inconsistent required fields.
	Validate() error
	// String is a short human label used in logs and error messages.
	String() string

	isSlot()
}

// Weekly repeats every week on Day from Start to End.
type Weekly struct {
	Day   Weekday
	Start Clock
	End   Clock
}

func (Weekly) Kind() Kind { return KindRecurring }
func (Weekly) isSlot()    {}

func (s Weekly) Validate() error {
	var errs []error
	if s.Day.IsZero() {
		errs = append(errs, errors.New("missing day"))
	}
	errs = append(errs, validateSpan(s.Start, s.End))
	return errors.Join(errs...)
}

func (s Weekly) String() string {
	return fmt.Sprintf("%s %s-%s", s.Day, s.Start, s.End)
}

// Dated happens once, on Date from Start to End.
type Dated struct {
	Date     Date
	Start    Clock
	End      Clock
	Activity string
	Online   bool
}

func (Dated) Kind() Kind { return KindDated }
func (Dated) isSlot()    {}

func (s Dated) Validate() error {
	var errs []error
	if s.Date.IsZero() {
		errs = append(errs, errors.New("missing date"))
	}
	errs = append(errs, validateSpan(s.Start, s.End))
	return errors.Join(errs...)
}

func (s Dated) String() string {
	label := fmt.Sprintf("%s %s-%s", s.Date, s.Start, s.End)
	if s.Activity != "" {
		label += " " + s.Activity
	}
	if s.Online {
		label += " (online)"
	}
	return label
}

func validateSpan(start, end Clock) error {
	var errs []error
	if start.IsZero() {
		errs = append(errs, errors.New("missing start"))
	}
	if end.IsZero() {
		errs = append(errs, errors.New("missing end"))
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		errs = append(errs, fmt.Errorf("end %s is not after start %s", end, start))
	}
	return errors.Join(errs...)
}

// SyncedEvent is a slot that was successfully created in the remote store.
// It is never modified; replacing it means deleting it and creating another.
type SyncedEvent struct {
	ExternalID string
	Subject    string
	Slot       Slot
}

func (e SyncedEvent) String() string {
	if e.Slot == nil {
		return e.ExternalID
	}
	return e.Slot.String()
}

// EventsByOwner maps an owner id (account UPN) to its synced events.
type EventsByOwner map[string][]SyncedEvent

// Count returns the total number of events across all owners.
func (m EventsByOwner) Count() int {
	n := 0
	for _, evs := range m {
		n += len(evs)
	}
	return n
}

// Owners returns the owner ids in sorted order.
func (m EventsByOwner) Owners() []string {
	return sortedKeys(m)
}

// SlotsByOwner maps an owner id to its desired slots.
type SlotsByOwner map[string][]Slot

func (m SlotsByOwner) Count() int {
	n := 0
	for _, s := range m {
		n += len(s)
	}
	return n
}

func (m SlotsByOwner) Owners() []string {
	return sortedKeys(m)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Occurrence is a single concrete instance of a synced event (after
// recurrence expansion) used by agenda views.
type Occurrence struct {
	Owner      string `json:"owner"`
	ExternalID string `json:"external_id"`
	Subject    string `json:"subject"`

	// InstanceKey uniquely identifies one occurrence of a recurring event,
	// derived from the local start time.
	InstanceKey string `json:"instance_key"`

	Recurring bool `json:"recurring"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

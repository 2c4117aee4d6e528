package reconcile

import (
	"fmt"

	"calsync/internal/model"
)

// Key is the identity of one desired occurrence within a scope. Fields not
// used by a policy stay zero.
type Key struct {
	Owner    string
	Day      model.Weekday
	Date     model.Date
	Start    model.Clock
	Activity string
}

// Policy decides which slot fields form the identity of an occurrence and
// which fields are payload that may change without changing identity.
type Policy interface {
	Kind() model.Kind
	// Key extracts the identity key. It fails for slots of the wrong variant.
	Key(owner string, slot model.Slot) (Key, error)
	// Changed reports whether two slots with the same key differ in payload.
	Changed(old, desired model.Slot) bool
}

// PolicyFor returns the identity policy of kind.
func PolicyFor(kind model.Kind) (Policy, error) {
	switch kind {
	case model.KindRecurring:
		return RecurringPolicy{}, nil
	case model.KindDated:
		return DatedPolicy{}, nil
	default:
		return nil, fmt.Errorf("no identity policy for kind %q", kind)
	}
}

// RecurringPolicy identifies weekly slots by owner, weekday and start time.
// Only the end time is payload.
type RecurringPolicy struct{}

func (RecurringPolicy) Kind() model.Kind { return model.KindRecurring }

func (RecurringPolicy) Key(owner string, slot model.Slot) (Key, error) {
	s, ok := slot.(model.Weekly)
	if !ok {
		return Key{}, fmt.Errorf("owner %s: expected weekly slot, got %T", owner, slot)
	}
	if s.Day.IsZero() || s.Start.IsZero() {
		return Key{}, fmt.Errorf("owner %s: slot %s has no day or start", owner, s)
	}
	return Key{Owner: owner, Day: s.Day, Start: s.Start}, nil
}

func (RecurringPolicy) Changed(old, desired model.Slot) bool {
	o, _ := old.(model.Weekly)
	d, _ := desired.(model.Weekly)
	return o.End != d.End
}

// DatedPolicy identifies one-time slots by owner, date, start time and
// activity code. End time and the online flag are payload.
type DatedPolicy struct{}

func (DatedPolicy) Kind() model.Kind { return model.KindDated }

func (DatedPolicy) Key(owner string, slot model.Slot) (Key, error) {
	s, ok := slot.(model.Dated)
	if !ok {
		return Key{}, fmt.Errorf("owner %s: expected dated slot, got %T", owner, slot)
	}
	if s.Date.IsZero() || s.Start.IsZero() {
		return Key{}, fmt.Errorf("owner %s: slot %s has no date or start", owner, s)
	}
	return Key{Owner: owner, Date: s.Date, Start: s.Start, Activity: s.Activity}, nil
}

func (DatedPolicy) Changed(old, desired model.Slot) bool {
	o, _ := old.(model.Dated)
	d, _ := desired.(model.Dated)
	return o.End != d.End || o.Online != d.Online
}

// Package reconcile computes and applies the minimal create/delete operations
// that bring a remote calendar store in line with a desired schedule, and
// folds the outcome into the next snapshot.
//
// A run is: ComputeDiff against the previous snapshot, Applier.Apply against
// the remote store, then Merge with the same diff. Without a snapshot,
// Applier.Bootstrap clears and recreates everything instead.
package reconcile

import (
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Added is a desired slot with no synced counterpart.
type Added struct {
	Owner string
	Slot  model.Slot
}

// Removed is a synced event with no desired counterpart.
type Removed struct {
	Owner string
	Event model.SyncedEvent
}

// Changed is a synced event whose desired counterpart has the same identity
// but different payload. It is applied as delete Old, then create New.
type Changed struct {
	Owner string
	Old   model.SyncedEvent
	New   model.Slot
}

// Diff partitions every identity key of a scope into exactly one of added,
// removed, changed or unchanged.
type Diff struct {
	Kind      model.Kind
	Added     []Added
	Removed   []Removed
	Changed   []Changed
	Unchanged int
}

// Empty reports whether applying d would not touch the remote store.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Counts holds the size of each diff partition.
type Counts struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

func (d Diff) Counts() Counts {
	return Counts{
		Added:     len(d.Added),
		Removed:   len(d.Removed),
		Changed:   len(d.Changed),
		Unchanged: d.Unchanged,
	}
}

type indexed[T any] struct {
	keys  []Key
	items map[Key]T
}

func (ix *indexed[T]) put(k Key, v T) bool {
	if ix.items == nil {
		ix.items = make(map[Key]T)
	}
	_, dup := ix.items[k]
	if !dup {
		ix.keys = append(ix.keys, k)
	}
	ix.items[k] = v
	return dup
}

// ComputeDiff compares the previously synced events with the desired slots
// under policy. Keys match exactly: a slot whose start moved by a minute is a
// removal plus an addition, not a change.
//
// Owners are visited in sorted order and slots in input order, so the output
// is deterministic. When an identity key repeats within one side, the last
// occurrence wins.
//
// An error is returned only for contract violations: a slot of the wrong
// variant for policy or a desired slot that fails validation.
func ComputeDiff(policy Policy, old model.EventsByOwner, desired model.SlotsByOwner) (Diff, error) {
	diff := Diff{Kind: policy.Kind()}

	var oldIx indexed[model.SyncedEvent]
	for _, owner := range old.Owners() {
		for _, ev := range old[owner] {
			if ev.Slot == nil {
				return Diff{}, fmt.Errorf("owner %s: synced event %q has no slot", owner, ev.ExternalID)
			}
			k, err := policy.Key(owner, ev.Slot)
			if err != nil {
				return Diff{}, fmt.Errorf("previous snapshot: %w", err)
			}
			if oldIx.put(k, ev) {
				appLog.Warn("duplicate identity key in snapshot", "owner", owner, "slot", ev.Slot.String())
			}
		}
	}

	var newIx indexed[model.Slot]
	for _, owner := range desired.Owners() {
		for _, slot := range desired[owner] {
			if slot == nil {
				return Diff{}, fmt.Errorf("owner %s: nil desired slot", owner)
			}
			if err := slot.Validate(); err != nil {
				return Diff{}, fmt.Errorf("owner %s: desired slot %s: %w", owner, slot, err)
			}
			k, err := policy.Key(owner, slot)
			if err != nil {
				return Diff{}, fmt.Errorf("desired schedule: %w", err)
			}
			if newIx.put(k, slot) {
				appLog.Warn("duplicate identity key in desired schedule", "owner", owner, "slot", slot.String())
			}
		}
	}

	for _, k := range oldIx.keys {
		ev := oldIx.items[k]
		slot, ok := newIx.items[k]
		switch {
		case !ok:
			diff.Removed = append(diff.Removed, Removed{Owner: k.Owner, Event: ev})
		case policy.Changed(ev.Slot, slot):
			diff.Changed = append(diff.Changed, Changed{Owner: k.Owner, Old: ev, New: slot})
		default:
			diff.Unchanged++
		}
	}

	for _, k := range newIx.keys {
		if _, ok := oldIx.items[k]; !ok {
			diff.Added = append(diff.Added, Added{Owner: k.Owner, Slot: newIx.items[k]})
		}
	}

	return diff, nil
}

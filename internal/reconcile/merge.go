package reconcile

import "calsync/internal/model"

// Merge builds the next snapshot from the previous one, the diff that was
// applied, and the applier's result. It must be given the same diff that was
// passed to Apply.
//
// Old events are dropped only when the diff scheduled their deletion and the
// delete was confirmed; a failed delete keeps the event, since it is still
// live remotely. Every newly created event is appended. Owners left without
// events are omitted.
func Merge(old model.EventsByOwner, diff Diff, res ApplyResult) model.EventsByOwner {
	excluded := make(map[string]struct{})
	mark := func(id string) {
		if id == "" {
			return
		}
		if _, ok := res.DeletedIDs[id]; ok {
			excluded[id] = struct{}{}
		}
	}
	for _, r := range diff.Removed {
		mark(r.Event.ExternalID)
	}
	for _, c := range diff.Changed {
		mark(c.Old.ExternalID)
	}

	merged := make(model.EventsByOwner, len(old))
	for owner, events := range old {
		var kept []model.SyncedEvent
		for _, ev := range events {
			if _, drop := excluded[ev.ExternalID]; drop {
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) > 0 {
			merged[owner] = kept
		}
	}

	for owner, events := range res.Synced {
		if len(events) == 0 {
			continue
		}
		merged[owner] = append(merged[owner], events...)
	}
	return merged
}

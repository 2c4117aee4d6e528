package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"calsync/internal/event"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ErrGone is wrapped by Remote.Delete when the event no longer exists in the
// remote store. The applier treats it as a confirmed deletion.
var ErrGone = errors.New("remote event does not exist")

// Remote is the external calendar store. Any non-nil error is a failure of
// that single call.
type Remote interface {
	Create(ctx context.Context, owner string, body event.Body) (externalID string, err error)
	Delete(ctx context.Context, owner, externalID string) error
}

// BodyBuilder renders a slot into an event body. today anchors recurring
// events at the next occurrence of their weekday.
type BodyBuilder interface {
	Build(slot model.Slot, today model.Date) (event.Body, error)
}

// ApplyResult is the outcome of applying a diff. Synced holds exactly the
// events whose create succeeded; DeletedIDs holds exactly the external ids
// whose delete succeeded.
type ApplyResult struct {
	Created    int
	Deleted    int
	Failed     int
	Errors     []string
	Synced     model.EventsByOwner
	DeletedIDs map[string]struct{}
}

func newApplyResult() ApplyResult {
	return ApplyResult{
		Synced:     make(model.EventsByOwner),
		DeletedIDs: make(map[string]struct{}),
	}
}

func (r *ApplyResult) absorb(o ApplyResult) {
	r.Created += o.Created
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
	for owner, evs := range o.Synced {
		r.Synced[owner] = append(r.Synced[owner], evs...)
	}
	for id := range o.DeletedIDs {
		r.DeletedIDs[id] = struct{}{}
	}
}

func (r *ApplyResult) fail(op, owner, label string, err error) {
	r.Failed++
	msg := fmt.Sprintf("%s %s %s: %v", op, owner, label, err)
	r.Errors = append(r.Errors, msg)
	appLog.Error("remote "+op+" failed", err, "owner", owner, "slot", label)
}

// Applier executes diffs against a Remote.
type Applier struct {
	Remote  Remote
	Builder BodyBuilder
	// Workers bounds how many owners are processed concurrently. Values
	// below 2 process owners one after another.
	Workers int
}

type ownerWork struct {
	removed []Removed
	changed []Changed
	added   []Added
}

// Apply performs the deletes and creates of diff. Failures are recorded in
// the result and never stop the run. Within one owner, removals run first,
// then changes (delete before create), then additions. A changed entry whose
// delete fails is not created, so one identity key never has two live
// remote events.
func (a *Applier) Apply(ctx context.Context, diff Diff, today model.Date) ApplyResult {
	work := make(map[string]*ownerWork)
	get := func(owner string) *ownerWork {
		w, ok := work[owner]
		if !ok {
			w = &ownerWork{}
			work[owner] = w
		}
		return w
	}
	for _, r := range diff.Removed {
		get(r.Owner).removed = append(get(r.Owner).removed, r)
	}
	for _, c := range diff.Changed {
		get(c.Owner).changed = append(get(c.Owner).changed, c)
	}
	for _, ad := range diff.Added {
		get(ad.Owner).added = append(get(ad.Owner).added, ad)
	}

	owners := make([]string, 0, len(work))
	for owner := range work {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	results := make([]ApplyResult, len(owners))
	if a.Workers < 2 {
		for i, owner := range owners {
			results[i] = a.applyOwner(ctx, owner, work[owner], today)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(a.Workers)
		for i, owner := range owners {
			g.Go(func() error {
				results[i] = a.applyOwner(ctx, owner, work[owner], today)
				return nil
			})
		}
		_ = g.Wait()
	}

	total := newApplyResult()
	for _, r := range results {
		total.absorb(r)
	}
	return total
}

func (a *Applier) applyOwner(ctx context.Context, owner string, w *ownerWork, today model.Date) ApplyResult {
	res := newApplyResult()

	for _, r := range w.removed {
		if r.Event.ExternalID == "" {
			appLog.Debug("skipping removed event without external id", "owner", owner, "slot", r.Event.String())
			continue
		}
		if err := a.delete(ctx, owner, r.Event.ExternalID); err != nil {
			res.fail("delete", owner, r.Event.String(), err)
			continue
		}
		res.Deleted++
		res.DeletedIDs[r.Event.ExternalID] = struct{}{}
	}

	for _, c := range w.changed {
		if c.Old.ExternalID != "" {
			if err := a.delete(ctx, owner, c.Old.ExternalID); err != nil {
				res.fail("delete-changed", owner, c.Old.String(), err)
				continue
			}
			res.Deleted++
			res.DeletedIDs[c.Old.ExternalID] = struct{}{}
		}
		a.create(ctx, &res, "create-changed", owner, c.New, today)
	}

	for _, ad := range w.added {
		a.create(ctx, &res, "create", owner, ad.Slot, today)
	}

	if res.Created+res.Deleted+res.Failed > 0 {
		appLog.Info("owner reconciled",
			"owner", owner,
			"created", res.Created,
			"deleted", res.Deleted,
			"failed", res.Failed,
		)
	}
	return res
}

func (a *Applier) delete(ctx context.Context, owner, id string) error {
	err := a.Remote.Delete(ctx, owner, id)
	if errors.Is(err, ErrGone) {
		appLog.Warn("remote event already gone; treating as deleted", "owner", owner, "id", id)
		return nil
	}
	return err
}

func (a *Applier) create(ctx context.Context, res *ApplyResult, op, owner string, slot model.Slot, today model.Date) {
	body, err := a.Builder.Build(slot, today)
	if err != nil {
		res.fail(op, owner, slot.String(), err)
		return
	}
	id, err := a.Remote.Create(ctx, owner, body)
	if err == nil && id == "" {
		err = errors.New("remote returned no event id")
	}
	if err != nil {
		res.fail(op, owner, slot.String(), err)
		return
	}
	res.Created++
	res.Synced[owner] = append(res.Synced[owner], model.SyncedEvent{
		ExternalID: id,
		Subject:    body.Subject,
		Slot:       slot,
	})
}

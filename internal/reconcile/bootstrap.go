package reconcile

import (
	"context"
	"errors"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Lister finds the ids of an owner's remote events whose subject starts with
// prefix. It is only used to clear a scope that has no snapshot.
type Lister interface {
	ListByPrefix(ctx context.Context, owner, prefix string) ([]string, error)
}

// ClearResult is the outcome of clearing prefix-matching remote events.
type ClearResult struct {
	Cleared int
	Failed  int
	Errors  []string
}

// OK reports whether every owner was listed and every event deleted.
func (r ClearResult) OK() bool { return r.Failed == 0 }

// Clear deletes every remote event of owners whose subject starts with
// prefix. Failures are recorded and the remaining events are still tried.
func Clear(ctx context.Context, remote Remote, lister Lister, prefix string, owners []string) ClearResult {
	var res ClearResult
	for _, owner := range owners {
		ids, err := lister.ListByPrefix(ctx, owner, prefix)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("list %s: %v", owner, err))
			appLog.Error("listing remote events failed", err, "owner", owner, "prefix", prefix)
			continue
		}
		cleared := 0
		for _, id := range ids {
			err := remote.Delete(ctx, owner, id)
			if err != nil && !errors.Is(err, ErrGone) {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("delete %s %s: %v", owner, id, err))
				appLog.Error("clearing remote event failed", err, "owner", owner, "id", id)
				continue
			}
			cleared++
		}
		res.Cleared += cleared
		if cleared > 0 {
			appLog.Info("cleared remote events", "owner", owner, "prefix", prefix, "count", cleared)
		}
	}
	return res
}

// BootstrapResult is the outcome of a first run.
type BootstrapResult struct {
	Clear ClearResult
	Diff  Diff
	Apply ApplyResult
	// Events is the snapshot content to save. It is nil when the clear step
	// failed, in which case nothing was created and nothing must be saved.
	Events model.EventsByOwner
}

// Bootstrap handles a scope without snapshot: it clears every remote event
// of the desired owners that carries the scope's subject prefix, then creates
// every desired slot. If any clear step fails, no event is created so the
// next run can safely retry the whole first-run path.
func (a *Applier) Bootstrap(ctx context.Context, policy Policy, lister Lister, prefix string, desired model.SlotsByOwner, today model.Date) (BootstrapResult, error) {
	if prefix == "" {
		return BootstrapResult{}, errors.New("bootstrap: empty subject prefix would clear unrelated events")
	}

	// Against an empty snapshot every desired slot is an addition.
	diff, err := ComputeDiff(policy, nil, desired)
	if err != nil {
		return BootstrapResult{}, err
	}
	res := BootstrapResult{Diff: diff}

	res.Clear = Clear(ctx, a.Remote, lister, prefix, desired.Owners())
	if !res.Clear.OK() {
		appLog.Warn("first-run clear incomplete; skipping creation", "failed", res.Clear.Failed)
		return res, nil
	}

	res.Apply = a.Apply(ctx, diff, today)
	res.Events = Merge(nil, diff, res.Apply)
	return res, nil
}

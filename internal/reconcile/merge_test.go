package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func TestMerge(t *testing.T) {
	old := model.EventsByOwner{
		"u1": {
			synced("keep", wk(time.Monday, "09:00", "10:00")),
			synced("gone", wk(time.Tuesday, "09:00", "10:00")),
			synced("stuck", wk(time.Wednesday, "09:00", "10:00")),
		},
		"u2": {synced("only", wk(time.Friday, "09:00", "10:00"))},
	}
	diff := Diff{
		Removed: []Removed{
			{Owner: "u1", Event: old["u1"][1]},
			{Owner: "u1", Event: old["u1"][2]},
			{Owner: "u2", Event: old["u2"][0]},
		},
	}
	res := ApplyResult{
		DeletedIDs: map[string]struct{}{"gone": {}, "only": {}},
		Synced: model.EventsByOwner{
			"u3": {synced("new", wk(time.Sunday, "18:00", "19:00"))},
		},
	}

	merged := Merge(old, diff, res)

	assert.Equal(t, model.EventsByOwner{
		"u1": {old["u1"][0], old["u1"][2]},
		"u3": {synced("new", wk(time.Sunday, "18:00", "19:00"))},
	}, merged)
	assert.Len(t, old["u1"], 3, "input is not modified")
}

func TestMerge_DeletedIDOutsideDiffIsKept(t *testing.T) {
	old := model.EventsByOwner{"u1": {synced("e1", wk(time.Monday, "09:00", "10:00"))}}
	res := ApplyResult{DeletedIDs: map[string]struct{}{"e1": {}}}

	merged := Merge(old, Diff{}, res)
	assert.Equal(t, old, merged)
}

func TestMerge_FullRunReachesDesiredState(t *testing.T) {
	old, desired := mixedFixture()
	remote := newFakeRemote()
	for owner, evs := range old {
		for _, ev := range evs {
			remote.seed(owner, ev.ExternalID, ev.Subject)
		}
	}

	diff, err := ComputeDiff(RecurringPolicy{}, old, desired)
	require.NoError(t, err)
	a := &Applier{Remote: remote, Builder: newBuilder(t), Workers: 3}
	res := a.Apply(t.Context(), diff, today)
	require.Zero(t, res.Failed)

	next := Merge(old, diff, res)

	// The merged snapshot holds each desired key exactly once.
	p := RecurringPolicy{}
	got := map[Key]int{}
	for owner, evs := range next {
		for _, ev := range evs {
			k, err := p.Key(owner, ev.Slot)
			require.NoError(t, err)
			got[k]++
		}
		assert.Equal(t, len(evs), remote.liveCount(owner), owner)
	}
	assert.Equal(t, desired.Count(), len(got))
	for owner, slots := range desired {
		for _, s := range slots {
			k, _ := p.Key(owner, s)
			assert.Equal(t, 1, got[k], "%s %s", owner, s)
		}
	}

	// A second run is a no-op.
	again, err := ComputeDiff(RecurringPolicy{}, next, desired)
	require.NoError(t, err)
	assert.True(t, again.Empty())
	assert.Equal(t, desired.Count(), again.Unchanged)
}

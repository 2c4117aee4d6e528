package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/event"
	"calsync/internal/ics"
	"calsync/internal/model"
	"calsync/internal/report"
	"calsync/internal/snapshot"
)

var runAt = time.Date(2026, time.October, 15, 6, 0, 0, 0, time.UTC)

func wk(day time.Weekday, start, end string) model.Weekly {
	s, _ := model.ParseClock(start)
	e, _ := model.ParseClock(end)
	return model.Weekly{Day: model.NewWeekday(day), Start: s, End: e}
}

func dt(date, start, end, activity string) model.Dated {
	d, _ := model.ParseDate(date)
	s, _ := model.ParseClock(start)
	e, _ := model.ParseClock(end)
	return model.Dated{Date: d, Start: s, End: e, Activity: activity}
}

type fixture struct {
	t       *testing.T
	files   *ics.FileStore
	store   *snapshot.Store
	builder *event.Builder
	syncer  *Syncer

	mu      sync.Mutex
	desired *Desired
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := event.NewBuilder(event.Options{
		TimeZone:   "Europe/Zurich",
		Activities: map[string]event.ActivityType{"VAD": {Label: "VIP Adults", Color: "preset8"}},
	})
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		files:   ics.NewFileStore(filepath.Join(t.TempDir(), "calendars")),
		store:   snapshot.NewStore(filepath.Join(t.TempDir(), "state")),
		builder: b,
		desired: &Desired{Kind: model.KindRecurring, Slots: model.SlotsByOwner{}},
	}
	f.files.Now = func() time.Time { return runAt }
	f.store.Now = func() time.Time { return runAt }
	f.syncer = &Syncer{
		Store:   f.store,
		Remote:  f.files,
		Lister:  f.files,
		Builder: b,
		Desired: DesiredFunc(func(context.Context, string) (*Desired, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.desired, nil
		}),
		Now: func() time.Time { return runAt },
	}
	return f
}

func (f *fixture) want(kind model.Kind, slots model.SlotsByOwner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired = &Desired{Kind: kind, Slots: slots}
}

// seed creates an event directly in the calendar store.
func (f *fixture) seed(owner, subject string) string {
	f.t.Helper()
	body, err := f.builder.Build(wk(time.Friday, "12:00", "13:00"), model.DateOf(runAt))
	require.NoError(f.t, err)
	body.Subject = subject
	id, err := f.files.Create(context.Background(), owner, body)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) subjects(owner string) []string {
	f.t.Helper()
	events, err := f.files.Events(context.Background(), owner)
	require.NoError(f.t, err)
	var out []string
	for _, ev := range events {
		out = append(out, ev.Summary)
	}
	return out
}

func TestRun_FirstRunThenIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed("anna@x", "Teaching")
	f.seed("anna@x", "Dentist")

	f.want(model.KindRecurring, model.SlotsByOwner{
		"anna@x": {wk(time.Monday, "09:00", "10:00"), wk(time.Tuesday, "09:00", "10:00")},
		"jean@x": {wk(time.Wednesday, "10:00", "11:00")},
	})
	rep, err := f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)
	assert.Equal(t, report.ModeFirstRun, rep.Mode)
	assert.Equal(t, 1, rep.Cleared, "leftover prefix event is cleared")
	assert.Equal(t, 3, rep.Created)
	assert.Equal(t, 3, rep.Events)
	assert.True(t, rep.SnapshotSaved)
	assert.True(t, rep.OK())
	assert.ElementsMatch(t, []string{"Dentist", "Teaching", "Teaching"}, f.subjects("anna@x"))

	snap, found, err := f.store.Load("sfs")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.KindRecurring, snap.Kind)
	assert.Equal(t, 3, snap.Events.Count())

	// Tuesday moves to Thursday, Monday grows by an hour.
	f.want(model.KindRecurring, model.SlotsByOwner{
		"anna@x": {wk(time.Monday, "09:00", "11:00"), wk(time.Thursday, "09:00", "10:00")},
		"jean@x": {wk(time.Wednesday, "10:00", "11:00")},
	})
	rep, err = f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)
	assert.Equal(t, report.ModeDiff, rep.Mode)
	assert.Equal(t, 1, rep.Diff.Added)
	assert.Equal(t, 1, rep.Diff.Removed)
	assert.Equal(t, 1, rep.Diff.Changed)
	assert.Equal(t, 1, rep.Diff.Unchanged)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 2, rep.Deleted)
	assert.Equal(t, 3, rep.Events)
	assert.Contains(t, rep.Summary, "~ anna: Monday 09:00-10:00 -> Monday 09:00-11:00")
	assert.ElementsMatch(t, []string{"Dentist", "Teaching", "Teaching"}, f.subjects("anna@x"))

	// Nothing changed: no remote call and no snapshot write.
	rep, err = f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Diff.Unchanged)
	assert.Zero(t, rep.Created+rep.Deleted)
	assert.False(t, rep.SnapshotSaved)
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.want(model.KindRecurring, model.SlotsByOwner{
		"anna@x": {wk(time.Monday, "09:00", "10:00"), wk(time.Tuesday, "09:00", "10:00")},
	})

	rep, err := f.syncer.Run(context.Background(), "sfs", Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, report.ModeDryRun, rep.Mode)
	assert.Equal(t, 2, rep.Diff.Added)
	assert.Zero(t, rep.Created)
	assert.Contains(t, rep.Summary, "+ anna: Monday 09:00-10:00")

	owners, err := f.files.Owners()
	require.NoError(t, err)
	assert.Empty(t, owners)
	_, found, err := f.store.Load("sfs")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.syncer.Run(context.Background(), "sfs", Options{DryRun: true, ClearOnly: true})
	assert.Error(t, err)
}

func TestRun_KindMismatchIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Save("vip", model.KindDated, model.EventsByOwner{})
	require.NoError(t, err)
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {wk(time.Monday, "09:00", "10:00")}})

	_, err = f.syncer.Run(context.Background(), "vip", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds vip events")
	owners, _ := f.files.Owners()
	assert.Empty(t, owners)
}

func TestRun_DesiredFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.syncer.Desired = DesiredFunc(func(context.Context, string) (*Desired, error) {
		return nil, errors.New("schedule missing")
	})
	_, err := f.syncer.Run(context.Background(), "sfs", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule missing")
	_, found, _ := f.store.Load("sfs")
	assert.False(t, found)

	_, err = f.syncer.Run(context.Background(), "../etc", Options{})
	assert.ErrorIs(t, err, snapshot.ErrInvalidScope)
}

func TestRun_ClearOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed("anna@x", "Dentist")
	f.want(model.KindRecurring, model.SlotsByOwner{
		"anna@x": {wk(time.Monday, "09:00", "10:00"), wk(time.Tuesday, "09:00", "10:00")},
	})
	_, err := f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)

	rep, err := f.syncer.Run(ctx, "sfs", Options{ClearOnly: true})
	require.NoError(t, err)
	assert.Equal(t, report.ModeClearOnly, rep.Mode)
	assert.Equal(t, 2, rep.Cleared)
	assert.Zero(t, rep.Events)
	assert.Equal(t, []string{"Dentist"}, f.subjects("anna@x"))
	_, found, err := f.store.Load("sfs")
	require.NoError(t, err)
	assert.False(t, found)
}

// failingDeletes wraps the calendar store and fails deletes of chosen ids.
type failingDeletes struct {
	*ics.FileStore
	ids map[string]bool
}

func (r *failingDeletes) Delete(ctx context.Context, owner, id string) error {
	if r.ids[id] {
		return errors.New("status 503")
	}
	return r.FileStore.Delete(ctx, owner, id)
}

func TestRun_FailedDeleteOfChangedEventKeepsIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {wk(time.Monday, "09:00", "10:00")}})
	_, err := f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)
	snap, _, err := f.store.Load("sfs")
	require.NoError(t, err)
	oldID := snap.Events["anna@x"][0].ExternalID

	f.syncer.Remote = &failingDeletes{FileStore: f.files, ids: map[string]bool{oldID: true}}
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {
		wk(time.Monday, "09:00", "11:00"),
		wk(time.Tuesday, "09:00", "10:00"),
	}})
	rep, err := f.syncer.Run(ctx, "sfs", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Created, "only the addition is created")
	assert.False(t, rep.OK())
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "status 503")

	snap, _, err = f.store.Load("sfs")
	require.NoError(t, err)
	require.Len(t, snap.Events["anna@x"], 2)
	var kept bool
	for _, ev := range snap.Events["anna@x"] {
		if ev.ExternalID == oldID {
			kept = true
			assert.Equal(t, wk(time.Monday, "09:00", "10:00"), ev.Slot)
		}
	}
	assert.True(t, kept, "old event stays tracked so the change is retried")
	assert.Len(t, f.subjects("anna@x"), 2)
}

// listFails fails listing for every owner.
type listFails struct{ *ics.FileStore }

func (listFails) ListByPrefix(context.Context, string, string) ([]string, error) {
	return nil, errors.New("status 500")
}

func TestRun_FirstRunClearFailureSavesNothing(t *testing.T) {
	f := newFixture(t)
	f.syncer.Lister = listFails{f.files}
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {wk(time.Monday, "09:00", "10:00")}})

	rep, err := f.syncer.Run(context.Background(), "sfs", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Created)
	assert.False(t, rep.SnapshotSaved)
	_, found, _ := f.store.Load("sfs")
	assert.False(t, found)
	owners, _ := f.files.Owners()
	assert.Empty(t, owners)
}

// categoryRecorder adds EnsureCategories to the calendar store.
type categoryRecorder struct {
	*ics.FileStore
	mu     sync.Mutex
	owners []string
}

func (c *categoryRecorder) EnsureCategories(_ context.Context, owner string, cats []event.Category) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = append(c.owners, fmt.Sprintf("%s:%d", owner, len(cats)))
	return len(cats), nil
}

func TestRun_DatedScopeEnsuresCategories(t *testing.T) {
	f := newFixture(t)
	rec := &categoryRecorder{FileStore: f.files}
	f.syncer.Remote = rec
	f.want(model.KindDated, model.SlotsByOwner{
		"anna@x": {dt("2026-10-20", "14:00", "15:00", "VAD")},
		"jean@x": {dt("2026-10-21", "14:00", "15:00", "")},
	})

	rep, err := f.syncer.Run(context.Background(), "vip", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, []string{"anna@x:1", "jean@x:1"}, rec.owners)
	assert.Equal(t, []string{"Private: VAD - VIP Adults"}, f.subjects("anna@x"))

	// Recurring scopes never touch categories.
	rec.owners = nil
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {wk(time.Monday, "09:00", "10:00")}})
	_, err = f.syncer.Run(context.Background(), "sfs", Options{})
	require.NoError(t, err)
	assert.Empty(t, rec.owners)
}

func TestRun_WritesReportAndRemembersLast(t *testing.T) {
	f := newFixture(t)
	f.syncer.ReportDir = filepath.Join(t.TempDir(), "reports")
	f.want(model.KindRecurring, model.SlotsByOwner{"anna@x": {wk(time.Monday, "09:00", "10:00")}})

	_, ok := f.syncer.Last("sfs")
	assert.False(t, ok)

	_, err := f.syncer.Run(context.Background(), "sfs", Options{DryRun: true})
	require.NoError(t, err)
	_, err = os.Stat(f.syncer.ReportDir)
	assert.True(t, os.IsNotExist(err), "dry runs write no report")

	rep, err := f.syncer.Run(context.Background(), "sfs", Options{})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.syncer.ReportDir, "method_sync_sfs_2026-10-15_060000.json"))
	assert.NoError(t, err)

	last, ok := f.syncer.Last("sfs")
	require.True(t, ok)
	assert.Same(t, rep, last)
}

func TestRun_SameScopeRunsAreSerialised(t *testing.T) {
	f := newFixture(t)
	f.want(model.KindRecurring, model.SlotsByOwner{
		"anna@x": {wk(time.Monday, "09:00", "10:00"), wk(time.Tuesday, "09:00", "10:00")},
	})

	var wg sync.WaitGroup
	reps := make([]*report.Report, 4)
	for i := range reps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := f.syncer.Run(context.Background(), "sfs", Options{})
			assert.NoError(t, err)
			reps[i] = rep
		}()
	}
	wg.Wait()

	firstRuns, created := 0, 0
	for _, rep := range reps {
		require.NotNil(t, rep)
		if rep.Mode == report.ModeFirstRun {
			firstRuns++
		}
		created += rep.Created
	}
	assert.Equal(t, 1, firstRuns)
	assert.Equal(t, 2, created)
	assert.Len(t, f.subjects("anna@x"), 2)
}

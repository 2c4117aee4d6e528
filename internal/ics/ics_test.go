package ics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/event"
	"calsync/internal/model"
	"calsync/internal/reconcile"
)

var today = model.NewDate(2026, time.October, 15) // a Thursday

func clock(s string) model.Clock {
	c, err := model.ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func builder(t *testing.T) *event.Builder {
	t.Helper()
	b, err := event.NewBuilder(event.Options{
		TimeZone:   "Europe/Zurich",
		Activities: map[string]event.ActivityType{"VAD": {Label: "VIP Adults", Color: "preset8"}},
	})
	require.NoError(t, err)
	return b
}

func TestFileStore_CreateListDelete(t *testing.T) {
	ctx := context.Background()
	b := builder(t)
	s := NewFileStore(t.TempDir())

	weekly, err := b.Build(model.Weekly{Day: model.NewWeekday(time.Monday), Start: clock("09:00"), End: clock("10:30")}, today)
	require.NoError(t, err)
	dated, err := b.Build(model.Dated{Date: model.NewDate(2026, time.October, 20), Start: clock("14:00"), End: clock("15:00"), Activity: "VAD"}, today)
	require.NoError(t, err)

	wID, err := s.Create(ctx, "anna@x", weekly)
	require.NoError(t, err)
	dID, err := s.Create(ctx, "anna@x", dated)
	require.NoError(t, err)
	assert.NotEqual(t, wID, dID)

	events, err := s.Events(ctx, "anna@x")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, wID, events[0].UID)
	assert.Equal(t, "Teaching", events[0].Summary)
	assert.True(t, events[0].Start.Equal(weekly.Start))
	assert.True(t, events[0].End.Equal(weekly.End))
	assert.Equal(t, "Europe/Zurich", events[0].Start.Location().String())
	assert.Equal(t, weekly.Recurrence.RRule, events[0].RRule)
	assert.Contains(t, events[0].RRule, "BYDAY=MO")
	assert.Equal(t, []string{"VAD - VIP Adults"}, events[1].Categories)
	assert.False(t, events[1].Recurring())

	ids, err := s.ListByPrefix(ctx, "anna@x", "Private:")
	require.NoError(t, err)
	assert.Equal(t, []string{dID}, ids)

	require.NoError(t, s.Delete(ctx, "anna@x", wID))
	err = s.Delete(ctx, "anna@x", wID)
	assert.ErrorIs(t, err, reconcile.ErrGone)
	err = s.Delete(ctx, "nobody@x", "x")
	assert.ErrorIs(t, err, reconcile.ErrGone)

	events, err = s.Events(ctx, "anna@x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, dID, events[0].UID)

	owners, err := s.Owners()
	require.NoError(t, err)
	assert.Equal(t, []string{"anna@x"}, owners)

	info, err := os.Stat(filepath.Join(s.Dir, "anna@x.ics"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_RejectsBadOwner(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Create(context.Background(), "../escape", event.Body{Subject: "Teaching"})
	assert.Error(t, err)
	_, err = s.ListByPrefix(context.Background(), "a@x", "")
	assert.Error(t, err)
}

func TestFileStore_AsApplierRemote(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	a := &reconcile.Applier{Remote: s, Builder: builder(t)}

	desired := model.SlotsByOwner{"anna@x": {
		model.Weekly{Day: model.NewWeekday(time.Monday), Start: clock("09:00"), End: clock("10:00")},
		model.Weekly{Day: model.NewWeekday(time.Friday), Start: clock("13:00"), End: clock("14:00")},
	}}
	res, err := a.Bootstrap(ctx, reconcile.RecurringPolicy{}, s, "Teaching", desired, today)
	require.NoError(t, err)
	require.Equal(t, 2, res.Apply.Created)

	events, err := s.Events(ctx, "anna@x")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// A second first run replaces the events instead of duplicating them.
	res, err = a.Bootstrap(ctx, reconcile.RecurringPolicy{}, s, "Teaching", desired, today)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Clear.Cleared)
	events, err = s.Events(ctx, "anna@x")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestParseICS(t *testing.T) {
	body := []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:a\r\nSUMMARY:Teaching\r\nDTSTART;TZID=Europe/Zurich:20261019T090000\r\n" +
		"DTEND;TZID=Europe/Zurich:20261019T100000\r\nRRULE:FREQ=WEEKLY;BYDAY=MO\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:b\r\nSUMMARY:Dentist\r\nDTSTART:20261020T120000Z\r\nDTEND:20261020T130000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nSUMMARY:no uid\r\nDTSTART:20261020T120000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n")

	events, err := ParseICS(body)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].UID)
	assert.Equal(t, 9, events[0].Start.Hour())
	assert.Equal(t, time.UTC, events[1].Start.Location())

	_, err = ParseICS(nil)
	assert.Error(t, err)
}

func TestExpandOccurrences(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Zurich")
	require.NoError(t, err)
	start := time.Date(2026, time.October, 5, 9, 0, 0, 0, loc)
	events := []Event{
		{UID: "w", Summary: "Teaching", Start: start, End: start.Add(time.Hour), RRule: "FREQ=WEEKLY;BYDAY=MO"},
		{UID: "d", Summary: "Private: VAD", Start: time.Date(2026, time.October, 21, 14, 0, 0, 0, loc), End: time.Date(2026, time.October, 21, 15, 0, 0, 0, loc)},
		{UID: "late", Summary: "Private: VAD", Start: time.Date(2026, time.November, 2, 14, 0, 0, 0, loc), End: time.Date(2026, time.November, 2, 15, 0, 0, 0, loc)},
	}

	// The window spans the end of daylight saving time (25 Oct 2026).
	w := DaysFrom(model.NewDate(2026, time.October, 15), 14, loc)
	occ, err := ExpandOccurrences("anna@x", events, w)
	require.NoError(t, err)
	require.Len(t, occ, 3)

	assert.Equal(t, "w", occ[0].ExternalID)
	assert.Equal(t, "2026-10-19 09:00", occ[0].Start.Format("2006-01-02 15:04"))
	assert.True(t, occ[0].Recurring)
	assert.Equal(t, "d", occ[1].ExternalID)
	assert.False(t, occ[1].Recurring)
	assert.Equal(t, "2026-10-26 09:00", occ[2].Start.Format("2006-01-02 15:04"), "wall clock kept across DST")
	assert.Equal(t, "anna@x", occ[2].Owner)
	assert.NotEqual(t, occ[0].InstanceKey, occ[2].InstanceKey)

	_, err = ExpandOccurrences("anna@x", events, Window{From: w.To, To: w.From})
	assert.Error(t, err)
}

func TestAgenda(t *testing.T) {
	b := builder(t)
	snap := model.EventsByOwner{
		"jean@x": {{ExternalID: "j1", Subject: "Teaching",
			Slot: model.Weekly{Day: model.NewWeekday(time.Thursday), Start: clock("08:00"), End: clock("09:00")}}},
		"anna@x": {
			{ExternalID: "a1", Subject: "Teaching",
				Slot: model.Weekly{Day: model.NewWeekday(time.Thursday), Start: clock("08:00"), End: clock("09:00")}},
			{ExternalID: "a2", Subject: "Private: VAD - VIP Adults",
				Slot: model.Dated{Date: model.NewDate(2026, time.October, 16), Start: clock("10:00"), End: clock("11:00"), Activity: "VAD"}},
			{ExternalID: "a3",
				Slot: model.Dated{Date: model.NewDate(2026, time.December, 1), Start: clock("10:00"), End: clock("11:00"), Activity: "VAD"}},
		},
	}

	occ, err := Agenda(b, snap, today, 7)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, "anna@x", occ[0].Owner, "same start sorts by owner")
	assert.Equal(t, "jean@x", occ[1].Owner)
	assert.Equal(t, "2026-10-15 08:00", occ[0].Start.Format("2006-01-02 15:04"))
	assert.Equal(t, "a2", occ[2].ExternalID)

	_, err = Agenda(b, snap, today, 0)
	assert.Error(t, err)
}

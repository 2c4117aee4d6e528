package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calsync/internal/event"
	"calsync/internal/model"
)

var today = model.NewDate(2026, time.October, 15)

func wk(day time.Weekday, start, end string) model.Weekly {
	return model.Weekly{Day: model.NewWeekday(day), Start: clock(start), End: clock(end)}
}

func dt(date, start, end, activity string, online bool) model.Dated {
	d, err := model.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return model.Dated{Date: d, Start: clock(start), End: clock(end), Activity: activity, Online: online}
}

func clock(s string) model.Clock {
	c, err := model.ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func synced(id string, slot model.Slot) model.SyncedEvent {
	return model.SyncedEvent{ExternalID: id, Subject: "Teaching", Slot: slot}
}

func newBuilder(t *testing.T) *event.Builder {
	t.Helper()
	b, err := event.NewBuilder(event.Options{
		TimeZone: "Europe/Zurich",
		Activities: map[string]event.ActivityType{
			"VAD": {Label: "VIP Adults", Color: "preset8"},
		},
	})
	require.NoError(t, err)
	return b
}

// fakeRemote is an in-memory calendar store that records every call.
type fakeRemote struct {
	mu     sync.Mutex
	nextID int
	live   map[string]map[string]string // owner -> id -> subject

	deleteErrs map[string]error
	createErr  func(owner string, body event.Body) error
	listErrs   map[string]error

	calls []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		live:       make(map[string]map[string]string),
		deleteErrs: make(map[string]error),
		listErrs:   make(map[string]error),
	}
}

// seed registers an event that already exists remotely.
func (f *fakeRemote) seed(owner, id, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[owner] == nil {
		f.live[owner] = make(map[string]string)
	}
	f.live[owner][id] = subject
}

func (f *fakeRemote) Create(_ context.Context, owner string, body event.Body) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("create %s %s", owner, body.Start.Format("Mon 15:04")))
	if f.createErr != nil {
		if err := f.createErr(owner, body); err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("ev-%d", f.nextID)
	if f.live[owner] == nil {
		f.live[owner] = make(map[string]string)
	}
	f.live[owner][id] = body.Subject
	return id, nil
}

func (f *fakeRemote) Delete(_ context.Context, owner, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %s %s", owner, id))
	if err, ok := f.deleteErrs[id]; ok {
		return err
	}
	if _, ok := f.live[owner][id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrGone)
	}
	delete(f.live[owner], id)
	return nil
}

func (f *fakeRemote) ListByPrefix(_ context.Context, owner, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.listErrs[owner]; ok {
		return nil, err
	}
	var ids []string
	for id, subject := range f.live[owner] {
		if strings.HasPrefix(subject, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeRemote) liveCount(owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live[owner])
}

var errStatus503 = errors.New("status 503")

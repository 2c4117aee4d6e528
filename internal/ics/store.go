// Package ics is an offline calendar store: each owner's events live in one
// iCalendar file. It serves as the reconcile remote when no mail server is
// configured, and expands events into agenda occurrences.
package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"calsync/internal/event"
	"calsync/internal/reconcile"
)

// FileStore keeps one <owner>.ics file per owner under Dir.
type FileStore struct {
	Dir string
	Now func() time.Time

	mu sync.Mutex
}

var (
	_ reconcile.Remote = (*FileStore)(nil)
	_ reconcile.Lister = (*FileStore)(nil)
)

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, Now: time.Now}
}

func (s *FileStore) path(owner string) (string, error) {
	if owner == "" || owner == "." || owner == ".." || strings.ContainsAny(owner, `/\`) {
		return "", fmt.Errorf("invalid owner %q", owner)
	}
	return filepath.Join(s.Dir, owner+".ics"), nil
}

func (s *FileStore) load(owner string) (*ical.Calendar, error) {
	path, err := s.path(owner)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cal := ical.NewCalendar()
		cal.SetProductId("-//calsync//calendar store//EN")
		cal.SetMethod(ical.MethodPublish)
		return cal, nil
	}
	if err != nil {
		return nil, err
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cal, nil
}

func (s *FileStore) save(owner string, cal *ical.Calendar) error {
	path, err := s.path(owner)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, ".calsync-ics-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(cal.Serialize()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func setTime(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time, tz string) {
	if tz == "" || tz == "UTC" {
		ve.SetProperty(prop, t.UTC().Format(layoutUTC))
		return
	}
	ve.SetProperty(prop, t.Format(layoutLocal),
		&ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tz}})
}

// Create appends a VEVENT for body to the owner's calendar and returns its
// UID.
func (s *FileStore) Create(ctx context.Context, owner string, body event.Body) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load(owner)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	ve := cal.AddEvent(id)
	ve.SetDtStampTime(s.Now())
	ve.SetSummary(body.Subject)
	setTime(ve, ical.ComponentPropertyDtStart, body.Start, body.TimeZone)
	setTime(ve, ical.ComponentPropertyDtEnd, body.End, body.TimeZone)
	if body.Recurrence != nil {
		ve.AddProperty(ical.ComponentPropertyRrule, body.Recurrence.RRule)
	}
	for _, c := range body.Categories {
		ve.AddProperty(ical.ComponentPropertyCategories, c)
	}
	if err := s.save(owner, cal); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the VEVENT with UID externalID. An unknown UID wraps
// reconcile.ErrGone.
func (s *FileStore) Delete(ctx context.Context, owner, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load(owner)
	if err != nil {
		return err
	}
	kept := cal.Components[:0]
	found := false
	for _, c := range cal.Components {
		if ve, ok := c.(*ical.VEvent); ok && ve.Id() == externalID {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("event %s of %s: %w", externalID, owner, reconcile.ErrGone)
	}
	cal.Components = kept
	return s.save(owner, cal)
}

// ListByPrefix returns the UIDs of the owner's events whose summary starts
// with prefix.
func (s *FileStore) ListByPrefix(ctx context.Context, owner, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, errors.New("empty subject prefix")
	}
	events, err := s.Events(ctx, owner)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ev := range events {
		if strings.HasPrefix(ev.Summary, prefix) {
			ids = append(ids, ev.UID)
		}
	}
	return ids, nil
}

// Events reads every event of owner. A missing calendar has no events.
func (s *FileStore) Events(ctx context.Context, owner string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(owner)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseICS(data)
}

// Owners lists the owners that have a calendar file, sorted.
func (s *FileStore) Owners() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var owners []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".ics") {
			continue
		}
		owners = append(owners, strings.TrimSuffix(name, ".ics"))
	}
	sort.Strings(owners)
	return owners, nil
}

// Package snapshot persists, per sync scope, the record of every event the
// sync has created in the remote calendar store. The snapshot is the only
// trusted record of remote state between runs.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"calsync/internal/model"
)

// ErrInvalidScope is returned for scope keys that cannot be used as a file name.
var ErrInvalidScope = errors.New("invalid scope key")

// Snapshot is the persisted outcome of the last run of one scope.
type Snapshot struct {
	SyncedAt time.Time
	Scope    string
	Kind     model.Kind
	Events   model.EventsByOwner
}

// Store keeps one JSON file per scope under Dir.
type Store struct {
	Dir string
	// Now is used for the synced_at stamp; defaults to time.Now.
	Now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// ValidateScope checks that scope is usable as a snapshot file name.
func ValidateScope(scope string) error {
	if scope == "" || scope == "." || scope == ".." ||
		strings.ContainsAny(scope, `/\`) || strings.HasPrefix(scope, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return nil
}

// Path returns the snapshot file path for scope.
func (s *Store) Path(scope string) string {
	return filepath.Join(s.Dir, scope+".json")
}

// Load reads the snapshot for scope. The boolean is false, with a nil error,
// when no snapshot exists yet.
func (s *Store) Load(scope string) (*Snapshot, bool, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.Path(scope))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read snapshot %s: %w", scope, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", scope, err)
	}
	return snap, true, nil
}

// Save replaces the snapshot for scope with events and returns the file path.
// The file is rewritten as a whole via a temp file and rename, so readers
// see either the previous or the new snapshot.
func (s *Store) Save(scope string, kind model.Kind, events model.EventsByOwner) (string, error) {
	if err := ValidateScope(scope); err != nil {
		return "", err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	snap := &Snapshot{
		SyncedAt: now().UTC(),
		Scope:    scope,
		Kind:     kind,
		Events:   events,
	}
	data, err := Encode(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", scope, err)
	}

	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", err
	}
	path := s.Path(scope)
	if err := writeFileAtomic(s.Dir, path, data); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", scope, err)
	}
	return path, nil
}

// Delete removes the snapshot for scope. A missing snapshot is not an error.
func (s *Store) Delete(scope string) error {
	if err := ValidateScope(scope); err != nil {
		return err
	}
	if err := os.Remove(s.Path(scope)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Scopes lists the scopes that currently have a snapshot, sorted.
func (s *Store) Scopes() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var scopes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		scopes = append(scopes, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(scopes)
	return scopes, nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
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

// fileFormat is the on-disk layout shared with earlier tooling.
type fileFormat struct {
	SyncedAt string                       `json:"synced_at"`
	Agenda   string                       `json:"agenda"`
	SyncType model.Kind                   `json:"sync_type"`
	Events   map[string][]json.RawMessage `json:"events"`
}

type weeklyRecord struct {
	ExternalID string        `json:"outlook_event_id"`
	Day        model.Weekday `json:"day"`
	Start      model.Clock   `json:"start"`
	End        model.Clock   `json:"end"`
	Subject    string        `json:"subject"`
}

type datedRecord struct {
	ExternalID string      `json:"outlook_event_id"`
	Date       model.Date  `json:"date"`
	Start      model.Clock `json:"start"`
	End        model.Clock `json:"end"`
	Type       string      `json:"type"`
	Subject    string      `json:"subject"`
	Online     bool        `json:"online"`
}

// Encode renders snap in the persisted JSON format.
func Encode(snap *Snapshot) ([]byte, error) {
	out := fileFormat{
		SyncedAt: snap.SyncedAt.UTC().Format(time.RFC3339Nano),
		Agenda:   snap.Scope,
		SyncType: snap.Kind,
		Events:   make(map[string][]json.RawMessage, len(snap.Events)),
	}
	for owner, events := range snap.Events {
		recs := make([]json.RawMessage, 0, len(events))
		for _, ev := range events {
			raw, err := encodeEvent(snap.Kind, ev)
			if err != nil {
				return nil, fmt.Errorf("owner %s: %w", owner, err)
			}
			recs = append(recs, raw)
		}
		out.Events[owner] = recs
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEvent(kind model.Kind, ev model.SyncedEvent) (json.RawMessage, error) {
	switch slot := ev.Slot.(type) {
	case model.Weekly:
		if kind != model.KindRecurring {
			return nil, fmt.Errorf("weekly slot %s in %s snapshot", slot, kind)
		}
		return json.Marshal(weeklyRecord{
			ExternalID: ev.ExternalID,
			Day:        slot.Day,
			Start:      slot.Start,
			End:        slot.End,
			Subject:    ev.Subject,
		})
	case model.Dated:
		if kind != model.KindDated {
			return nil, fmt.Errorf("dated slot %s in %s snapshot", slot, kind)
		}
		return json.Marshal(datedRecord{
			ExternalID: ev.ExternalID,
			Date:       slot.Date,
			Start:      slot.Start,
			End:        slot.End,
			Type:       slot.Activity,
			Subject:    ev.Subject,
			Online:     slot.Online,
		})
	default:
		return nil, fmt.Errorf("event %q has no slot", ev.ExternalID)
	}
}

// Decode parses the persisted JSON format.
func Decode(data []byte) (*Snapshot, error) {
	var in fileFormat
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	kind, err := model.ParseKind(string(in.SyncType))
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Scope:  in.Agenda,
		Kind:   kind,
		Events: make(model.EventsByOwner, len(in.Events)),
	}
	if in.SyncedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.SyncedAt)
		if err != nil {
			return nil, fmt.Errorf("synced_at: %w", err)
		}
		snap.SyncedAt = ts
	}

	for owner, recs := range in.Events {
		events := make([]model.SyncedEvent, 0, len(recs))
		for i, raw := range recs {
			ev, err := decodeEvent(kind, raw)
			if err != nil {
				return nil, fmt.Errorf("owner %s event %d: %w", owner, i, err)
			}
			events = append(events, ev)
		}
		if len(events) > 0 {
			snap.Events[owner] = events
		}
	}
	return snap, nil
}

func decodeEvent(kind model.Kind, raw json.RawMessage) (model.SyncedEvent, error) {
	switch kind {
	case model.KindRecurring:
		var rec weeklyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return model.SyncedEvent{}, err
		}
		return model.SyncedEvent{
			ExternalID: rec.ExternalID,
			Subject:    rec.Subject,
			Slot:       model.Weekly{Day: rec.Day, Start: rec.Start, End: rec.End},
		}, nil
	default:
		var rec datedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return model.SyncedEvent{}, err
		}
		return model.SyncedEvent{
			ExternalID: rec.ExternalID,
			Subject:    rec.Subject,
			Slot: model.Dated{
				Date:     rec.Date,
				Start:    rec.Start,
				End:      rec.End,
				Activity: rec.Type,
				Online:   rec.Online,
			},
		}, nil
	}
}

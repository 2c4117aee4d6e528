// Package report records the outcome of a sync run as a JSON file.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/roster"
)

// Mode names how a run touched the remote store.
type Mode string

const (
	ModeDryRun    Mode = "dry-run"
	ModeDiff      Mode = "diff"
	ModeFirstRun  Mode = "first-run"
	ModeClearOnly Mode = "clear-only"
)

// Report is the outcome of one run on one scope.
type Report struct {
	Timestamp time.Time  `json:"timestamp"`
	Scope     string     `json:"scope"`
	Kind      model.Kind `json:"kind"`
	Mode      Mode       `json:"mode"`

	Diff    reconcile.Counts `json:"diff"`
	Created int              `json:"created"`
	Deleted int              `json:"deleted"`
	Cleared int              `json:"cleared"`
	Failed  int              `json:"failed"`
	Errors  []string         `json:"errors,omitempty"`

	Matches   []roster.Match `json:"matches,omitempty"`
	Unmatched []string       `json:"unmatched,omitempty"`
	Skipped   []string       `json:"skipped,omitempty"`

	// Events is the number of events tracked after the run.
	Events        int    `json:"events"`
	SnapshotSaved bool   `json:"snapshot_saved"`
	SnapshotPath  string `json:"snapshot_path,omitempty"`

	Duration time.Duration `json:"duration_ns"`
	// Summary is the human-readable diff, for terminals.
	Summary string `json:"summary,omitempty"`
}

// OK reports whether the run finished without a failed remote call.
func (r *Report) OK() bool { return r.Failed == 0 }

// FileName is "<kind>_sync_<scope>_<timestamp>.json".
func (r *Report) FileName() string {
	return fmt.Sprintf("%s_sync_%s_%s.json", r.Kind, r.Scope, r.Timestamp.Format("2006-01-02_150405"))
}

// Write stores r under dir and returns the file path.
func Write(dir string, r *Report) (string, error) {
	if dir == "" {
		return "", errors.New("report dir is empty")
	}
	if r == nil {
		return "", errors.New("report is nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.FileName())
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Package syncer runs one reconciliation of a scope end to end: desired
// schedule, snapshot, remote writes, new snapshot and run report.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calsync/internal/event"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/report"
	"calsync/internal/roster"
	"calsync/internal/snapshot"
)

// summaryLimit caps the entries per section in a report summary.
const summaryLimit = 20

// Desired is the schedule a scope should have remotely, with the name
// resolution that produced it.
type Desired struct {
	Kind      model.Kind
	Slots     model.SlotsByOwner
	Matches   []roster.Match
	Unmatched []string
	Skipped   []string
}

// DesiredSource produces the desired schedule of a scope.
type DesiredSource interface {
	Desired(ctx context.Context, scope string) (*Desired, error)
}

// DesiredFunc adapts a function to DesiredSource.
type DesiredFunc func(ctx context.Context, scope string) (*Desired, error)

func (f DesiredFunc) Desired(ctx context.Context, scope string) (*Desired, error) {
	return f(ctx, scope)
}

// CategoryEnsurer is implemented by remotes that need colour categories to
// exist before dated events reference them.
type CategoryEnsurer interface {
	EnsureCategories(ctx context.Context, owner string, categories []event.Category) (int, error)
}

// Options selects how a run touches the remote store.
type Options struct {
	// DryRun computes the diff without any remote call or snapshot write.
	DryRun bool
	// ClearOnly removes every prefix-matching event of the scope's owners
	// and forgets the snapshot.
	ClearOnly bool
}

func (o Options) mode() report.Mode {
	switch {
	case o.DryRun:
		return report.ModeDryRun
	case o.ClearOnly:
		return report.ModeClearOnly
	}
	return report.ModeDiff
}

// Syncer reconciles scopes against one remote store.
type Syncer struct {
	Store   *snapshot.Store
	Remote  reconcile.Remote
	Lister  reconcile.Lister
	Builder *event.Builder
	Desired DesiredSource

	// Now defaults to time.Now. Its date in the builder's zone anchors
	// recurring events.
	Now     func() time.Time
	Workers int
	// ReportDir receives a report for every run that is not a dry run.
	// Empty disables report files.
	ReportDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	last  map[string]*report.Report
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Syncer) scopeLock(scope string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		s.locks[scope] = l
	}
	return l
}

// Last returns the report of the latest run of scope in this process.
func (s *Syncer) Last(scope string) (*report.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[scope]
	return r, ok
}

func (s *Syncer) remember(r *report.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]*report.Report)
	}
	s.last[r.Scope] = r
}

// Run reconciles scope. Remote failures are recorded in the report; an error
// is returned only when the run could not be carried out: no desired
// schedule, an unreadable or mismatching snapshot, or a failed snapshot
// write.
func (s *Syncer) Run(ctx context.Context, scope string, opts Options) (*report.Report, error) {
	if opts.DryRun && opts.ClearOnly {
		return nil, errors.New("dry-run and clear-only are exclusive")
	}
	if err := snapshot.ValidateScope(scope); err != nil {
		return nil, err
	}
	l := s.scopeLock(scope)
	l.Lock()
	defer l.Unlock()

	started := s.now()
	rep, err := s.run(ctx, scope, opts, started)
	if err != nil {
		appLog.Error("sync run failed", err, "scope", scope, "mode", opts.mode())
		return nil, err
	}
	rep.Duration = s.now().Sub(started)

	if !opts.DryRun && s.ReportDir != "" {
		path, err := report.Write(s.ReportDir, rep)
		if err != nil {
			appLog.Error("writing run report failed", err, "scope", scope)
		} else {
			appLog.Debug("run report written", "path", path)
		}
	}
	s.remember(rep)
	appLog.Info("sync run finished", "scope", scope, "mode", rep.Mode,
		"added", rep.Diff.Added, "removed", rep.Diff.Removed, "changed", rep.Diff.Changed,
		"created", rep.Created, "deleted", rep.Deleted, "cleared", rep.Cleared, "failed", rep.Failed,
		"events", rep.Events, "duration", rep.Duration.Round(time.Millisecond))
	return rep, nil
}

func (s *Syncer) run(ctx context.Context, scope string, opts Options, started time.Time) (*report.Report, error) {
	want, err := s.Desired.Desired(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("desired schedule of %s: %w", scope, err)
	}
	policy, err := reconcile.PolicyFor(want.Kind)
	if err != nil {
		return nil, err
	}
	snap, found, err := s.Store.Load(scope)
	if err != nil {
		return nil, err
	}
	if found && snap.Kind != want.Kind {
		return nil, fmt.Errorf("snapshot of %s holds %s events but the scope is %s", scope, snap.Kind, want.Kind)
	}

	rep := &report.Report{
		Timestamp: started,
		Scope:     scope,
		Kind:      want.Kind,
		Mode:      opts.mode(),
		Matches:   want.Matches,
		Unmatched: want.Unmatched,
		Skipped:   want.Skipped,
	}
	today := model.DateOf(started.In(s.Builder.Location()))
	applier := &reconcile.Applier{Remote: s.Remote, Builder: s.Builder, Workers: s.Workers}

	var old model.EventsByOwner
	if found {
		old = snap.Events
	}

	switch {
	case opts.ClearOnly:
		return rep, s.clear(ctx, scope, want, old, rep)

	case opts.DryRun:
		diff, err := reconcile.ComputeDiff(policy, old, want.Slots)
		if err != nil {
			return nil, err
		}
		rep.Diff = diff.Counts()
		rep.Summary = reconcile.FormatSummary(diff, summaryLimit)
		rep.Events = old.Count()
		return rep, nil

	case !found:
		rep.Mode = report.ModeFirstRun
		s.ensureCategories(ctx, want.Kind, want.Slots.Owners())
		res, err := applier.Bootstrap(ctx, policy, s.Lister, s.Builder.Prefix(want.Kind), want.Slots, today)
		if err != nil {
			return nil, err
		}
		rep.Diff = res.Diff.Counts()
		rep.Summary = reconcile.FormatSummary(res.Diff, summaryLimit)
		rep.Cleared = res.Clear.Cleared
		rep.Created = res.Apply.Created
		rep.Failed = res.Clear.Failed + res.Apply.Failed
		rep.Errors = append(append(rep.Errors, res.Clear.Errors...), res.Apply.Errors...)
		if res.Events == nil {
			return rep, nil
		}
		return rep, s.save(scope, want.Kind, res.Events, rep)
	}

	diff, err := reconcile.ComputeDiff(policy, old, want.Slots)
	if err != nil {
		return nil, err
	}
	rep.Diff = diff.Counts()
	rep.Summary = reconcile.FormatSummary(diff, summaryLimit)
	rep.Events = old.Count()
	if diff.Empty() {
		return rep, nil
	}

	s.ensureCategories(ctx, want.Kind, touchedOwners(diff))
	res := applier.Apply(ctx, diff, today)
	rep.Created = res.Created
	rep.Deleted = res.Deleted
	rep.Failed = res.Failed
	rep.Errors = res.Errors
	if res.Created == 0 && res.Deleted == 0 {
		return rep, nil
	}
	return rep, s.save(scope, want.Kind, reconcile.Merge(old, diff, res), rep)
}

func (s *Syncer) save(scope string, kind model.Kind, events model.EventsByOwner, rep *report.Report) error {
	path, err := s.Store.Save(scope, kind, events)
	if err != nil {
		return err
	}
	rep.Events = events.Count()
	rep.SnapshotSaved = true
	rep.SnapshotPath = path
	return nil
}

// clear removes prefix-matching events of every owner that is desired or
// tracked, then drops the snapshot if nothing failed.
func (s *Syncer) clear(ctx context.Context, scope string, want *Desired, old model.EventsByOwner, rep *report.Report) error {
	seen := make(map[string]bool)
	var owners []string
	for _, o := range append(want.Slots.Owners(), old.Owners()...) {
		if !seen[o] {
			seen[o] = true
			owners = append(owners, o)
		}
	}
	prefix := s.Builder.Prefix(want.Kind)
	if prefix == "" {
		return errors.New("clear: empty subject prefix")
	}
	res := reconcile.Clear(ctx, s.Remote, s.Lister, prefix, owners)
	rep.Cleared = res.Cleared
	rep.Failed = res.Failed
	rep.Errors = res.Errors
	rep.Events = old.Count()
	if !res.OK() {
		appLog.Warn("clear incomplete; keeping snapshot", "scope", scope, "failed", res.Failed)
		return nil
	}
	if err := s.Store.Delete(scope); err != nil {
		return err
	}
	rep.Events = 0
	return nil
}

func (s *Syncer) ensureCategories(ctx context.Context, kind model.Kind, owners []string) {
	ce, ok := s.Remote.(CategoryEnsurer)
	if !ok || kind != model.KindDated {
		return
	}
	cats := s.Builder.Categories()
	if len(cats) == 0 {
		return
	}
	for _, owner := range owners {
		n, err := ce.EnsureCategories(ctx, owner, cats)
		if err != nil {
			appLog.Warn("ensuring categories failed", "owner", owner, "err", err)
			continue
		}
		appLog.Debug("categories ensured", "owner", owner, "created", n)
	}
}

// touchedOwners lists the owners that will get a create from diff, sorted.
func touchedOwners(diff reconcile.Diff) []string {
	set := make(model.SlotsByOwner)
	for _, a := range diff.Added {
		set[a.Owner] = nil
	}
	for _, c := range diff.Changed {
		set[c.Owner] = nil
	}
	return set.Owners()
}

// Package daemon keeps scopes in sync unattended: every scope runs on a cron
// schedule, and a scope also runs shortly after one of its local schedule
// files changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	appLog "calsync/internal/log"
	"calsync/internal/report"
	"calsync/internal/syncer"
)

// Runner executes one sync of a scope. *syncer.Syncer implements it.
type Runner interface {
	Run(ctx context.Context, scope string, opts syncer.Options) (*report.Report, error)
}

// Scope is a scope key with the local files its desired schedule is read
// from. Any change to one of them queues a run of the scope.
type Scope struct {
	Key   string
	Paths []string
}

// Config holds configuration for the daemon.
type Config struct {
	// Cron is a standard five-field spec for full runs of every scope.
	Cron string
	// Location evaluates Cron. Nil means time.Local.
	Location *time.Location
	// DebounceInterval is how long a scope's files must stay quiet before
	// the queued run starts.
	DebounceInterval time.Duration
	// RunOnStart runs every scope once when the daemon starts.
	RunOnStart bool
	// SharedPaths are files every scope depends on, such as the roster.
	SharedPaths []string
}

// Daemon orchestrates scheduled and file-triggered runs.
type Daemon struct {
	runner Runner
	scopes []Scope
	config Config

	watcher *fsnotify.Watcher
	// watched maps a cleaned absolute file path to the scopes it feeds.
	watched map[string][]string

	changeQueue   map[string]time.Time // scope -> last change
	changeQueueMu sync.Mutex

	runMu sync.Mutex
	wg    sync.WaitGroup
}

// New creates a Daemon. Use Start to begin scheduling and watching.
func New(runner Runner, scopes []Scope, config Config) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if config.Cron == "" {
		return nil, errors.New("cron spec cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	d := &Daemon{
		runner:      runner,
		scopes:      scopes,
		config:      config,
		watched:     make(map[string][]string),
		changeQueue: make(map[string]time.Time),
	}
	for _, sc := range scopes {
		for _, p := range append(append([]string(nil), sc.Paths...), config.SharedPaths...) {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", p, err)
			}
			d.watched[abs] = appendUnique(d.watched[abs], sc.Key)
		}
	}
	return d, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// Start runs the daemon until ctx is cancelled. Runs in flight when ctx is
// cancelled see the cancellation through their own context.
func (d *Daemon) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(d.config.Location),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(d.config.Cron, func() { d.RunAll(ctx, "cron") }); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", d.config.Cron, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	d.watcher = watcher
	dirs := d.watchDirs()
	for _, dir := range dirs {
		// Directories are watched rather than files so that editors that
		// replace a file by rename keep being noticed.
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	if d.config.RunOnStart {
		d.RunAll(ctx, "startup")
	}

	c.Start()
	if entries := c.Entries(); len(entries) > 0 {
		appLog.Info("daemon started", "cron", d.config.Cron, "next_run", entries[0].Next.Format(time.RFC3339),
			"scopes", len(d.scopes), "watched_dirs", len(dirs))
	}

	d.wg.Add(2)
	go d.watchFileEvents(ctx)
	go d.processChangeQueue(ctx)

	<-ctx.Done()
	appLog.Info("daemon stopping")
	<-c.Stop().Done()
	if err := watcher.Close(); err != nil {
		appLog.Warn("closing watcher failed", "err", err)
	}
	d.wg.Wait()
	appLog.Info("daemon stopped")
	return nil
}

func (d *Daemon) watchDirs() []string {
	set := make(map[string]bool)
	for path := range d.watched {
		set[filepath.Dir(path)] = true
	}
	dirs := make([]string, 0, len(set))
	for dir := range set {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// RunAll runs every scope once, one after another.
func (d *Daemon) RunAll(ctx context.Context, reason string) {
	for _, sc := range d.scopes {
		if ctx.Err() != nil {
			return
		}
		d.run(ctx, sc.Key, reason)
	}
}

func (d *Daemon) run(ctx context.Context, scope, reason string) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	appLog.Info("scheduled sync", "scope", scope, "reason", reason)
	if _, err := d.runner.Run(ctx, scope, syncer.Options{}); err != nil {
		appLog.Error("scheduled sync failed", err, "scope", scope)
	}
}

// watchFileEvents monitors filesystem events and queues affected scopes.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			scopes, ok := d.watched[abs]
			if !ok {
				continue
			}
			appLog.Debug("schedule file event", "op", event.Op.String(), "path", event.Name)
			d.queueChange(scopes...)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			appLog.Warn("watcher error", "err", err)
		}
	}
}

func (d *Daemon) queueChange(scopes ...string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	now := time.Now()
	for _, s := range scopes {
		d.changeQueue[s] = now
	}
}

// processChangeQueue runs queued scopes once their files have been quiet for
// the debounce interval.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, scope := range d.dueScopes() {
				d.run(ctx, scope, "schedule changed")
			}
		}
	}
}

func (d *Daemon) dueScopes() []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	var due []string
	for scope, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, scope)
		delete(d.changeQueue, scope)
	}
	sort.Strings(due)
	return due
}

// cronLogger routes cron's own logging to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	"calsync/internal/event"
	"calsync/internal/graph"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
	"calsync/internal/snapshot"
	"calsync/internal/syncer"
)

// RootOptions holds global flags and the configuration loaded from them.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	cfg *config.Config
}

// NewRootCommand creates the calsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "calsync",
		Short:         "Sync teaching schedules into staff calendars",
		Long:          "calsync reconciles exported teaching schedules with staff calendars, creating and deleting only the events that changed since the last run.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewAgendaCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	if err := appLog.Setup(appLog.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return fmt.Errorf("log setup: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", o.ConfigPath, err)
	}
	appLog.Debug("effective config",
		"backend", cfg.Backend,
		"timezone", cfg.Timezone,
		"refresh", cfg.RefreshCron,
		"workers", cfg.Workers,
		"state_dir", cfg.StateDir,
		"scopes", len(cfg.Scopes),
	)
	o.cfg = cfg
	return nil
}

// app is everything a command needs to run scopes.
type app struct {
	cfg     *config.Config
	builder *event.Builder
	store   *snapshot.Store
	files   *ics.FileStore // set for the ics backend only
	syncer  *syncer.Syncer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	builder, err := event.NewBuilder(cfg.EventOptions())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, builder: builder, store: snapshot.NewStore(cfg.StateDir)}

	var remote interface {
		reconcile.Remote
		reconcile.Lister
	}
	switch cfg.Backend {
	case config.BackendICS:
		a.files = ics.NewFileStore(cfg.ICSDir)
		remote = a.files
	case config.BackendGraph:
		remote, err = graph.New(ctx, graph.Options{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			BaseURL:      cfg.Graph.BaseURL,
			TokenURL:     cfg.Graph.TokenURL,
			Timeout:      cfg.Graph.Timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	loader := &schedule.Loader{
		Fetcher: schedule.NewFetcher(cfg.CacheDir, &http.Client{Timeout: cfg.Graph.Timeout}),
	}
	a.syncer = &syncer.Syncer{
		Store:     a.store,
		Remote:    remote,
		Lister:    remote,
		Builder:   builder,
		Desired:   syncer.NewConfigSource(cfg, loader),
		Workers:   cfg.Workers,
		ReportDir: cfg.ReportDir,
	}
	return a, nil
}

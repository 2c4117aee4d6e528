package main

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calsync/internal/daemon"
	"calsync/internal/schedule"
	"calsync/internal/web"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Listen     string
	RunOnStart bool
	Debounce   time.Duration
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled syncs and the status server",
		Long: `Run every scope on the configured cron schedule, re-run a scope when one
of its local schedule files changes, and serve the status API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", false, "sync every scope once at startup")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 2*time.Second, "quiet period after a schedule file change")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	cfg := opts.cfg
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	scopes := make([]daemon.Scope, 0, len(cfg.Scopes))
	for _, sc := range cfg.Scopes {
		scopes = append(scopes, daemon.Scope{Key: sc.Key, Paths: schedule.LocalPaths(sc.Schedules)})
	}
	d, err := daemon.New(a.syncer, scopes, daemon.Config{
		Cron:             cfg.RefreshCron,
		Location:         a.builder.Location(),
		DebounceInterval: opts.Debounce,
		RunOnStart:       opts.RunOnStart,
		SharedPaths:      []string{cfg.Roster.Path},
	})
	if err != nil {
		return err
	}
	srv := web.NewServer(cfg, a.store, a.builder, a.syncer)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return d.Start(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

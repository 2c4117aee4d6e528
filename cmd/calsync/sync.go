package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"calsync/internal/report"
	"calsync/internal/syncer"
)

// errRunFailed marks runs that completed with failed remote calls. The
// details are already in the output and the log.
var errRunFailed = errors.New("one or more remote calls failed")

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Execute   bool
	ClearOnly bool
	JSON      bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [scope...]",
		Short: "Reconcile scopes with the calendars",
		Long: `Reconcile the given scopes, or every configured scope, with the calendars.

Without --execute the run is a dry run: the diff is computed and printed
but nothing is written. A scope without snapshot is cleared of events
carrying its subject prefix and then created from scratch.

Example:
  calsync sync
  calsync sync sfs_lausanne --execute
  calsync sync vip --execute --clear-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "write to the calendars (default is a dry run)")
	cmd.Flags().BoolVar(&opts.ClearOnly, "clear-only", false, "delete this tool's events of the scope and forget its snapshot")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print run reports as JSON")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, args []string) error {
	if opts.ClearOnly && !opts.Execute {
		return errors.New("--clear-only requires --execute")
	}
	scopes := args
	if len(scopes) == 0 {
		scopes = opts.cfg.ScopeKeys()
	}
	for _, s := range scopes {
		if _, ok := opts.cfg.Scope(s); !ok {
			return fmt.Errorf("unknown scope %q (configured: %s)", s, strings.Join(opts.cfg.ScopeKeys(), ", "))
		}
	}

	a, err := newApp(cmd.Context(), opts.cfg)
	if err != nil {
		return err
	}
	runOpts := syncer.Options{DryRun: !opts.Execute, ClearOnly: opts.ClearOnly}

	out := cmd.OutOrStdout()
	var reports []*report.Report
	failed := false
	for _, scope := range scopes {
		rep, err := a.syncer.Run(cmd.Context(), scope, runOpts)
		if err != nil {
			return fmt.Errorf("scope %s: %w", scope, err)
		}
		reports = append(reports, rep)
		if !rep.OK() {
			failed = true
		}
		if !opts.JSON {
			printReport(out, rep)
		}
	}
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	}
	if failed {
		return errRunFailed
	}
	return nil
}

func printReport(w io.Writer, r *report.Report) {
	fmt.Fprintf(w, "== %s (%s, %s)\n", r.Scope, r.Kind, r.Mode)
	if len(r.Unmatched) > 0 {
		fmt.Fprintf(w, "  Unmatched names: %s\n", strings.Join(r.Unmatched, ", "))
	}
	if r.Summary != "" {
		fmt.Fprintln(w, r.Summary)
	}
	if r.Mode != report.ModeDryRun {
		fmt.Fprintf(w, "  Created: %d  |  Deleted: %d  |  Cleared: %d  |  Failed: %d\n",
			r.Created, r.Deleted, r.Cleared, r.Failed)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
	if r.SnapshotSaved {
		fmt.Fprintf(w, "  Snapshot: %s (%d events)\n", r.SnapshotPath, r.Events)
	}
}

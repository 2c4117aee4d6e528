package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/ics"
	"calsync/internal/model"
)

// AgendaOptions holds flags for the agenda command.
type AgendaOptions struct {
	*RootOptions
	Days int
	// Live reads the calendar files of the ics backend instead of the
	// snapshot.
	Live bool
}

// NewAgendaCommand creates the agenda command.
func NewAgendaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgendaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agenda <scope>",
		Short: "Print the upcoming synced occurrences of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgenda(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 7, "number of days to show")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "expand the ics backend's calendar files instead of the snapshot")

	return cmd
}

func runAgenda(cmd *cobra.Command, opts *AgendaOptions, scope string) error {
	if _, ok := opts.cfg.Scope(scope); !ok {
		return fmt.Errorf("unknown scope %q", scope)
	}
	if opts.Days <= 0 {
		return errors.New("--days must be positive")
	}
	a, err := newApp(cmd.Context(), opts.cfg)
	if err != nil {
		return err
	}
	snap, found, err := a.store.Load(scope)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !found {
		fmt.Fprintf(out, "%s has not been synced yet\n", scope)
		return nil
	}

	loc := a.builder.Location()
	from := model.DateOf(time.Now().In(loc))
	var occ []model.Occurrence
	if opts.Live {
		if a.files == nil {
			return errors.New("--live needs the ics backend")
		}
		w := ics.DaysFrom(from, opts.Days, loc)
		for _, owner := range snap.Events.Owners() {
			events, err := a.files.Events(cmd.Context(), owner)
			if err != nil {
				return err
			}
			o, err := ics.ExpandOccurrences(owner, events, w)
			if err != nil {
				return err
			}
			occ = append(occ, o...)
		}
		ics.SortOccurrences(occ)
	} else {
		occ, err = ics.Agenda(a.builder, snap.Events, from, opts.Days)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "%s: %d occurrences from %s (%d days, synced %s)\n",
		scope, len(occ), from, opts.Days, snap.SyncedAt.In(loc).Format("2006-01-02 15:04"))
	printOccurrences(out, occ)
	return nil
}

func printOccurrences(w io.Writer, occ []model.Occurrence) {
	day := ""
	for _, o := range occ {
		if d := o.Start.Format("Mon 2006-01-02"); d != day {
			day = d
			fmt.Fprintln(w, day)
		}
		fmt.Fprintf(w, "  %s-%s  %-32s %s\n", o.Start.Format("15:04"), o.End.Format("15:04"), o.Owner, o.Subject)
	}
}

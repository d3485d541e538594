// History command for the cellmirror CLI.
package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past sync, repair and prune runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case "", journal.KindSync, journal.KindRepair, journal.KindPrune:
			default:
				return usageError("--kind must be %s, %s or %s", journal.KindSync, journal.KindRepair, journal.KindPrune)
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			if s.journal == nil {
				return &ExitError{Code: exitError, Message: "history unavailable", Err: errors.New("journal.enabled is false")}
			}

			runs, err := s.journal.List(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []journal.Run{}
			}
			return a.printer().print(runs, func(w io.Writer) error { return renderRuns(w, runs) })
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only runs of this kind (sync|repair|prune)")
	cmd.Flags().IntVar(&limit, "limit", 20, "most recent runs to show, 0 for all")
	return cmd
}

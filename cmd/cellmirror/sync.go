// Sync command for the cellmirror CLI.
package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
)

func newSyncCmd(a *app) *cobra.Command {
	var window windowFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror remote records into the local tree",
		Long: `Fetch every remote record inside the window that is new or has newer data
than the local copy. Records outside the window are left alone; a failed
record does not stop the others. Exits 1 when any record failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := window.filter()
			if err != nil {
				return err
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireRemote(); err != nil {
				return err
			}

			ctx := cmd.Context()
			started := time.Now()
			sum, syncErr := s.syncer.Sync(ctx, filter)
			if sum == nil {
				return syncErr
			}
			run, err := journal.SyncRun(sum, started)
			a.record(ctx, s, run, err)

			if err := a.printer().print(sum, func(w io.Writer) error { return renderSync(w, sum) }); err != nil {
				return err
			}
			if syncErr != nil {
				return syncErr
			}
			if !sum.OK() {
				return partial("%d of %d records failed", sum.Failed, sum.Listed)
			}
			return nil
		},
	}
	window.register(cmd, true)
	return cmd
}

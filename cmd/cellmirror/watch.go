// Watch command for the cellmirror CLI.
package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/daemon"
	"github.com/mesh-intelligence/cellmirror/internal/journal"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		window   windowFlags
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the mirror synced and repaired until interrupted",
		Long: `Sync the window now and every --interval, and repair the mirror shortly
after files under the root change. Without a configured remote only the
repair half runs. Stops on SIGINT or SIGTERM.`,
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
			if _, err := s.mirror.Init(cmd.Context()); err != nil {
				return err
			}

			cfg := a.cfg.Watch
			if interval > 0 {
				cfg.Interval = interval
			}
			var sy daemon.Syncer
			if s.remote != nil {
				sy = s.syncer
			} else {
				a.logger.Warn("no remote configured; watching for local drift only")
			}

			// Journal writes must not be cut short by the stop signal.
			bg := context.WithoutCancel(cmd.Context())
			d, err := daemon.New(a.cfg.Root, s.mirror, sy, s.checker, cfg,
				daemon.WithLogger(a.logger),
				daemon.WithFilter(filter),
				daemon.OnSync(func(sum *types.SyncSummary) {
					run, err := journal.SyncRun(sum, time.Now().Add(-sum.Duration))
					a.record(bg, s, run, err)
				}),
				daemon.OnRepair(func(res *types.RepairResult) {
					run, err := journal.RepairRun(res, time.Now().Add(-res.Duration))
					a.record(bg, s, run, err)
				}),
			)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	window.register(cmd, false)
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (default from watch.interval)")
	return cmd
}

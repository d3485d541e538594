// Prune and delete-device commands for the cellmirror CLI.
package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

func newPruneCmd(a *app) *cobra.Command {
	var (
		window windowFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove local records the remote no longer lists",
		Long: `List the remote inside the window and remove local records in the same
window that it no longer reports. Nothing is removed when the listing fails.`,
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
			res, pruneErr := s.syncer.Prune(ctx, filter, dryRun)
			if res == nil {
				return pruneErr
			}
			if !dryRun {
				run, err := journal.PruneRun(res, started, time.Since(started))
				a.record(ctx, s, run, err)
			}
			return printRemoval(a, "removed", res, pruneErr)
		},
	}
	window.register(cmd, false)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}

func newDeleteDeviceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-device DEVICE_ID",
		Short: "Remove every local record of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			started := time.Now()
			res, delErr := s.syncer.DeleteDevice(ctx, *id)
			if res == nil {
				return delErr
			}
			run, err := journal.PruneRun(res, started, time.Since(started))
			a.record(ctx, s, run, err)
			return printRemoval(a, fmt.Sprintf("device %d: removed", *id), res, delErr)
		},
	}
}

func printRemoval(a *app, verb string, res *types.PruneResult, opErr error) error {
	if res.Removed == nil {
		res.Removed = []types.ManifestEntry{}
	}
	if err := a.printer().print(res, func(w io.Writer) error { return renderPrune(w, verb, res) }); err != nil {
		return err
	}
	if opErr != nil {
		return &ExitError{Code: exitPartial, Message: "some records could not be removed", Err: opErr}
	}
	return nil
}

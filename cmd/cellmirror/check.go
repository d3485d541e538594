// Check and repair commands for the cellmirror CLI.
package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report drift between the manifest and the tree",
		Long:  "Detect orphans, missing records, malformed manifest lines or metadata, stale cache entries and leftover temp files. Changes nothing. Exits 1 when anything was found.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := s.checker.Check(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printer().print(rep, func(w io.Writer) error { return renderCheck(w, rep) }); err != nil {
				return err
			}
			if !rep.Clean() {
				return partial("%d issues found", rep.Issues())
			}
			return nil
		},
	}
}

func newRepairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Check the mirror and fix what the check found",
		Long: `Run a check and bring the manifest and the tree back into agreement:
adopt readable orphans, re-fetch missing records, rebuild entries from disk
and drop what cannot be recovered. Records that could not be recovered are
listed as data loss and the command exits 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			if s.remote == nil {
				a.logger.Warn("no remote configured; missing records cannot be re-fetched")
			}

			ctx := cmd.Context()
			started := time.Now()
			rep, err := s.checker.Check(ctx)
			if err != nil {
				return err
			}
			res, repairErr := s.checker.Repair(ctx, rep)
			if res == nil {
				return repairErr
			}
			run, err := journal.RepairRun(res, started)
			a.record(ctx, s, run, err)

			if err := a.printer().print(res, func(w io.Writer) error { return renderRepair(w, res) }); err != nil {
				return err
			}
			if repairErr != nil {
				return repairErr
			}
			if len(res.DataLoss) > 0 || len(res.Failures) > 0 {
				return partial("%d records lost, %d repairs failed", len(res.DataLoss), len(res.Failures))
			}
			return nil
		},
	}
}

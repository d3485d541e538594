// Query command for the cellmirror CLI.
package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

type queryFlags struct {
	device     string
	project    string
	tags       []string
	name       string
	deviceName string
	after      string
	before     string
	rangeMode  string
	near       string
	tolerance  time.Duration
	payloads   bool
}

// predicate builds the Predicate, taking range and tolerance defaults from
// the query config section.
func (f *queryFlags) predicate(cfg types.QueryConfig) (types.Predicate, error) {
	p := types.Predicate{
		Project:            f.project,
		Tags:               f.tags,
		NameContains:       f.name,
		DeviceNameContains: f.deviceName,
		Tolerance:          cfg.Tolerance,
	}
	if f.tolerance > 0 {
		p.Tolerance = f.tolerance
	}
	var err error
	if p.DeviceID, err = parseDevice(f.device); err != nil {
		return p, err
	}
	if p.StartAfter, err = parseTimeFlag("after", f.after); err != nil {
		return p, err
	}
	if p.StartBefore, err = parseTimeFlag("before", f.before); err != nil {
		return p, err
	}
	if p.StartNear, err = parseTimeFlag("near", f.near); err != nil {
		return p, err
	}
	mode := cfg.Range
	if f.rangeMode != "" {
		mode = f.rangeMode
	}
	if p.Range, err = types.ParseRangeMode(mode); err != nil {
		return p, usageError("--range: %v", err)
	}
	if err := p.Validate(); err != nil {
		return p, &ExitError{Code: exitError, Message: "invalid query", Err: err}
	}
	return p, nil
}

func newQueryCmd(a *app) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List mirrored records matching a predicate",
		Long: `List manifest entries matching every given condition, in manifest order.
Matching never reads the network or the record directories. With
--payloads each match is read from the mirror (through the cache when one
is configured); unreadable payloads are reported and the command exits 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pred, err := f.predicate(a.cfg.Query)
			if err != nil {
				return err
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			if !f.payloads {
				entries, err := s.query.FilterRecords(pred)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []types.ManifestEntry{}
				}
				return a.printer().print(entries, func(w io.Writer) error { return renderEntries(w, entries) })
			}

			items, qerr := s.query.FilterPayloads(cmd.Context(), pred)
			if err := a.printer().print(items, func(w io.Writer) error { return renderPayloads(w, items) }); err != nil {
				return err
			}
			if qerr != nil {
				return &ExitError{Code: exitPartial, Message: "some payloads could not be read", Err: qerr}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.device, "device", "", "device ID")
	cmd.Flags().StringVar(&f.project, "project", "", "project name")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "tag, matched by substring (repeatable)")
	cmd.Flags().StringVar(&f.name, "name", "", "substring of the record name")
	cmd.Flags().StringVar(&f.deviceName, "device-name", "", "substring of the device name")
	cmd.Flags().StringVar(&f.after, "after", "", "start time lower bound ("+types.StartTimeLayout+" or RFC3339)")
	cmd.Flags().StringVar(&f.before, "before", "", "start time upper bound")
	cmd.Flags().StringVar(&f.rangeMode, "range", "", "bound inclusivity: [) [] () (] (default from query.range)")
	cmd.Flags().StringVar(&f.near, "near", "", "start time within --tolerance of this time")
	cmd.Flags().DurationVar(&f.tolerance, "tolerance", 0, "window for --near (default from query.tolerance)")
	cmd.Flags().BoolVar(&f.payloads, "payloads", false, "read payloads of the matches")
	return cmd
}

// Text rendering of command results.
package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
	"github.com/mesh-intelligence/cellmirror/internal/query"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

func took(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func renderSync(w io.Writer, s *types.SyncSummary) error {
	fmt.Fprintf(w, "sync %s (%s)\n", s.RunID, took(s.Duration))
	fmt.Fprintf(w, "  listed:  %d\n", s.Listed)
	fmt.Fprintf(w, "  created: %d\n", s.Created)
	fmt.Fprintf(w, "  updated: %d\n", s.Updated)
	fmt.Fprintf(w, "  skipped: %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:  %d\n", s.Failed)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "    %s: %s\n", f.ID, f.Error)
	}
	return nil
}

func renderCheck(w io.Writer, r *types.CheckReport) error {
	fmt.Fprintf(w, "entries: %d\n", r.Entries)
	if r.Clean() {
		fmt.Fprintln(w, "mirror is consistent")
		return nil
	}
	fmt.Fprintf(w, "orphans: %d\n", len(r.Orphans))
	for _, o := range r.Orphans {
		state := "unrecoverable"
		if o.Recoverable {
			state = "recoverable, id " + o.ID
		}
		fmt.Fprintf(w, "  %s (%s)\n", o.StoragePath, state)
	}
	fmt.Fprintf(w, "missing: %d\n", len(r.Missing))
	for _, m := range r.Missing {
		fmt.Fprintf(w, "  %s %s: %s\n", m.ID, m.StoragePath, m.Reason)
	}
	fmt.Fprintf(w, "malformed: %d\n", len(r.Malformed))
	for _, m := range r.Malformed {
		if m.Source == types.SourceManifest {
			fmt.Fprintf(w, "  manifest line %d: %s\n", m.Line, m.Reason)
		} else {
			fmt.Fprintf(w, "  %s: %s\n", m.StoragePath, m.Reason)
		}
	}
	fmt.Fprintf(w, "stale cache: %d\n", len(r.StaleCache))
	fmt.Fprintf(w, "debris: %d\n", len(r.Debris))
	for _, d := range r.Debris {
		fmt.Fprintf(w, "  %s\n", d)
	}
	return nil
}

func renderRepair(w io.Writer, r *types.RepairResult) error {
	fmt.Fprintf(w, "repair %s (%s)\n", r.RunID, took(r.Duration))
	list := func(label string, items []string) {
		fmt.Fprintf(w, "  %-16s %d\n", label+":", len(items))
		for _, it := range items {
			fmt.Fprintf(w, "    %s\n", it)
		}
	}
	list("adopted", r.Adopted)
	list("restored", r.Restored)
	list("rederived", r.Rederived)
	list("orphans deleted", r.OrphansDeleted)
	list("cache evicted", r.Evicted)
	list("debris removed", r.DebrisRemoved)
	fmt.Fprintf(w, "  %-16s %d\n", "lines dropped:", r.LinesDropped)
	fmt.Fprintf(w, "  %-16s %d\n", "data loss:", len(r.DataLoss))
	for _, d := range r.DataLoss {
		fmt.Fprintf(w, "    %s %s: %s\n", d.ID, d.StoragePath, d.Reason)
	}
	fmt.Fprintf(w, "  %-16s %d\n", "failed:", len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "    %s: %s\n", f.ID, f.Error)
	}
	return nil
}

func renderEntries(w io.Writer, entries []types.ManifestEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tSTART\tNAME\tTAGS\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.DeviceID, e.StartKey(), e.Name, strings.Join(e.Tags, ","), e.StoragePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d records\n", len(entries))
	return nil
}

func renderPayloads(w io.Writer, items []query.RecordPayload) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tSTART\tBYTES\tPATH")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
			it.Entry.ID, it.Entry.DeviceID, it.Entry.StartKey(), len(it.Payload), it.Entry.StoragePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d records\n", len(items))
	return nil
}

func renderPrune(w io.Writer, verb string, r *types.PruneResult) error {
	if r.DryRun {
		verb = "would remove"
	}
	fmt.Fprintf(w, "%s %d records\n", verb, len(r.Removed))
	for _, e := range r.Removed {
		fmt.Fprintf(w, "  %s %s\n", e.ID, e.StoragePath)
	}
	return nil
}

func renderRuns(w io.Writer, runs []journal.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tKIND\tSTARTED\tTOOK\tCREATED\tUPDATED\tSKIPPED\tFAILED\tREPAIRED\tDATA LOSS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.RunID, r.Kind, r.StartedAt.UTC().Format(time.RFC3339), took(r.Duration),
			r.Created, r.Updated, r.Skipped, r.Failed, r.Repaired, r.DataLoss)
	}
	return tw.Flush()
}

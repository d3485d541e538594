package main

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cellmirror/internal/journal"
	"github.com/mesh-intelligence/cellmirror/internal/query"
	"github.com/mesh-intelligence/cellmirror/internal/testutil"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Regenerate with: go test ./cmd/cellmirror -update
func assertGolden(t *testing.T, name string, render func(io.Writer) error) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, render(&buf))
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func entry(id string, device int64, start, path string) types.ManifestEntry {
	r := testutil.Record(id, device, start, 1)
	return r.Entry(path)
}

func TestRenderGolden(t *testing.T) {
	first := entry("first", 17154, "2023-08-15_08-57-21", "cell-17154/2023-08-15_08-57-21")
	second := entry("second", 17154, "2023-08-20_10-00-00", "cell-17154/2023-08-20_10-00-00")

	tests := []struct {
		name   string
		render func(io.Writer) error
	}{
		{
			name: "sync",
			render: func(w io.Writer) error {
				return renderSync(w, &types.SyncSummary{
					RunID: "run-1", Listed: 5, Created: 2, Updated: 1, Skipped: 1, Failed: 1,
					Failures: []types.RecordFailure{{ID: "r9", Error: "fetching payload r9: remote source unavailable"}},
					Duration: 1234567 * time.Microsecond,
				})
			},
		},
		{
			name: "check_clean",
			render: func(w io.Writer) error {
				return renderCheck(w, &types.CheckReport{Entries: 12})
			},
		},
		{
			name: "check_issues",
			render: func(w io.Writer) error {
				return renderCheck(w, &types.CheckReport{
					Entries: 3,
					Orphans: []types.Orphan{
						{StoragePath: "cell-1/2024-01-01_00-00-00", Recoverable: true, ID: "r1"},
						{StoragePath: "cell-1/2024-01-02_00-00-00"},
					},
					Missing: []types.Missing{{ID: "r2", StoragePath: "cell-2/2024-01-01_00-00-00", Reason: "payload missing"}},
					Malformed: []types.Malformed{
						{Source: types.SourceManifest, Line: 4, Reason: "unexpected end of JSON input"},
						{Source: types.SourceDisk, StoragePath: "cell-3/2024-01-01_00-00-00", Reason: "metadata corrupt"},
					},
					StaleCache: []string{"cellmirror:1:2024-01-01_00-00-00:payload"},
					Debris:     []string{"cell-1/.tmp-5f1c"},
				})
			},
		},
		{
			name: "repair",
			render: func(w io.Writer) error {
				return renderRepair(w, &types.RepairResult{
					RunID:         "run-2",
					Adopted:       []string{"cell-1/2024-01-01_00-00-00"},
					Restored:      []string{"r2"},
					DebrisRemoved: []string{"cell-1/.tmp-5f1c"},
					LinesDropped:  1,
					DataLoss:      []types.DataLossEntry{{ID: "r4", StoragePath: "cell-4/2024-01-01_00-00-00", Reason: "payload missing; refetch failed: not found"}},
					Duration:      40 * time.Millisecond,
				})
			},
		},
		{
			name: "entries",
			render: func(w io.Writer) error {
				return renderEntries(w, []types.ManifestEntry{first, second})
			},
		},
		{
			name: "payloads",
			render: func(w io.Writer) error {
				return renderPayloads(w, []query.RecordPayload{{Entry: second, Payload: []byte("0123456789")}})
			},
		},
		{
			name: "prune_dry_run",
			render: func(w io.Writer) error {
				return renderPrune(w, "removed", &types.PruneResult{DryRun: true, Removed: []types.ManifestEntry{first}})
			},
		},
		{
			name: "history",
			render: func(w io.Writer) error {
				return renderRuns(w, []journal.Run{
					{RunID: "run-2", Kind: journal.KindRepair, StartedAt: time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), Duration: 40 * time.Millisecond, Repaired: 3, DataLoss: 1},
					{RunID: "run-1", Kind: journal.KindSync, StartedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Duration: 1235 * time.Millisecond, Created: 2, Updated: 1, Skipped: 1, Failed: 1},
				})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertGolden(t, tt.name, tt.render)
		})
	}
}

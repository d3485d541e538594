package types

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a time-ordered identifier for a sync or repair run.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SyncSummary is the partial-success result of one sync call.
type SyncSummary struct {
	RunID    string          `json:"run_id"`
	Filter   RemoteFilter    `json:"filter"`
	Listed   int             `json:"listed"`
	Created  int             `json:"created"`
	Updated  int             `json:"updated"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Failures []RecordFailure `json:"failures,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// OK reports whether every listed record was mirrored.
func (s *SyncSummary) OK() bool {
	return s.Failed == 0
}

// RecordFailure is one per-record failure collected during a batch.
type RecordFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// NewRecordFailure builds a RecordFailure, keeping the error for errors.Is.
func NewRecordFailure(id string, err error) RecordFailure {
	return RecordFailure{ID: id, Error: err.Error(), Err: &RecordError{ID: id, Err: err}}
}

// Orphan is a record directory that no manifest entry references.
type Orphan struct {
	StoragePath string `json:"storage_path"`
	Recoverable bool   `json:"recoverable"`
	// ID is read from the on-disk metadata when it parses.
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Missing is a manifest entry whose record cannot be read from the store.
type Missing struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
	Reason      string `json:"reason"`
}

// Malformed sources.
const (
	SourceManifest = "manifest"
	SourceDisk     = "disk"
)

// Malformed is a manifest line or on-disk metadata file that fails to parse.
type Malformed struct {
	Source      string `json:"source"`
	Line        int    `json:"line,omitempty"` // manifest line, 1-based
	Raw         string `json:"raw,omitempty"`
	ID          string `json:"id,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
	Reason      string `json:"reason"`
}

// CheckReport is the read-only result of a consistency check.
type CheckReport struct {
	CheckedAt  time.Time   `json:"checked_at"`
	Entries    int         `json:"entries"`
	Orphans    []Orphan    `json:"orphans"`
	Missing    []Missing   `json:"missing"`
	Malformed  []Malformed `json:"malformed"`
	StaleCache []string    `json:"stale_cache"`
	Debris     []string    `json:"debris"`
}

// Clean reports whether the check found nothing to repair.
func (r *CheckReport) Clean() bool {
	return r.Issues() == 0
}

// Issues counts every finding.
func (r *CheckReport) Issues() int {
	return len(r.Orphans) + len(r.Missing) + len(r.Malformed) + len(r.StaleCache) + len(r.Debris)
}

// DataLossEntry names a record that repair removed without recovering it.
type DataLossEntry struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
	Reason      string `json:"reason"`
}

// RepairResult lists what a repair pass did.
type RepairResult struct {
	RunID          string          `json:"run_id"`
	Adopted        []string        `json:"adopted"`         // orphans given a manifest entry
	OrphansDeleted []string        `json:"orphans_deleted"` // unrecoverable or duplicate orphans
	Restored       []string        `json:"restored"`        // missing records re-fetched
	Rederived      []string        `json:"rederived"`       // entries rebuilt from disk
	Evicted        []string        `json:"evicted"`         // stale cache keys
	DebrisRemoved  []string        `json:"debris_removed"`
	LinesDropped   int             `json:"lines_dropped"` // manifest lines naming no record
	DataLoss       []DataLossEntry `json:"data_loss"`
	Failures       []RecordFailure `json:"failures,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// Actions counts repairs applied, data loss excluded.
func (r *RepairResult) Actions() int {
	return len(r.Adopted) + len(r.OrphansDeleted) + len(r.Restored) +
		len(r.Rederived) + len(r.Evicted) + len(r.DebrisRemoved) + r.LinesDropped
}

// PruneResult lists entries removed, or that would be removed on a dry run.
type PruneResult struct {
	DryRun  bool            `json:"dry_run"`
	Removed []ManifestEntry `json:"removed"`
}

package types

import (
	"fmt"
	"strings"
	"time"
)

// StartTimeLayout is the mirror key format of a record start time. It names
// record directories and is accepted wherever a time is parsed from text.
const StartTimeLayout = "2006-01-02_15-04-05"

// TestRecord is the metadata of one experiment run as reported by the remote
// source. ID is assigned remotely and is unique across the mirror; the pair
// (DeviceID, StartTime) is also unique.
type TestRecord struct {
	ID                     string    `json:"id"`
	DeviceID               int64     `json:"device_id"`
	Name                   string    `json:"name"`
	DeviceName             string    `json:"device_name"`
	Project                string    `json:"project,omitempty"`
	StartTime              time.Time `json:"start_time"`
	LastDataPointTimestamp int64     `json:"last_data_point_timestamp"`
	Tags                   []string  `json:"tags,omitempty"`
}

// Validate checks the fields the mirror layout depends on.
func (r *TestRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.DeviceName) == "" {
		return fmt.Errorf("%w: device_name is required for %s", ErrInvalidRecord, r.ID)
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("%w: start_time is required for %s", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Normalize truncates StartTime to the second in UTC, matching the resolution
// of the directory layout.
func (r *TestRecord) Normalize() {
	r.StartTime = r.StartTime.UTC().Truncate(time.Second)
}

// StartKey returns the start time in StartTimeLayout.
func (r *TestRecord) StartKey() string {
	return r.StartTime.UTC().Format(StartTimeLayout)
}

// NewerThan reports whether r carries data beyond what other holds.
func (r *TestRecord) NewerThan(other *TestRecord) bool {
	return r.LastDataPointTimestamp > other.LastDataPointTimestamp
}

// Entry projects the record into a manifest entry at storagePath.
func (r *TestRecord) Entry(storagePath string) ManifestEntry {
	return ManifestEntry{
		TestRecord:  r.Clone(),
		StoragePath: storagePath,
	}
}

// Clone returns a deep copy.
func (r TestRecord) Clone() TestRecord {
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}

// ManifestEntry is the denormalized manifest row for one mirrored record:
// every metadata field plus the location of the record directory relative to
// the mirror root, slash separated.
type ManifestEntry struct {
	TestRecord
	StoragePath string `json:"storage_path"`
}

// Validate checks the record fields and the storage path.
func (e *ManifestEntry) Validate() error {
	if err := e.TestRecord.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.StoragePath) == "" {
		return fmt.Errorf("%w: storage_path is required for %s", ErrInvalidRecord, e.ID)
	}
	return nil
}

// Record returns a copy of the metadata part.
func (e *ManifestEntry) Record() TestRecord {
	return e.TestRecord.Clone()
}

// ParseTime accepts StartTimeLayout or RFC3339 and returns a UTC time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(StartTimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: want %s or RFC3339", s, StartTimeLayout)
	}
	return t.UTC(), nil
}

// MustParseTime is ParseTime for constants; it panics on malformed input.
func MustParseTime(s string) time.Time {
	t, err := ParseTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

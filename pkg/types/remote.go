package types

import (
	"context"
	"time"
)

// RemoteFilter narrows the records listed by a Remote and, in the same
// terms, the window a sync or prune acts on.
type RemoteFilter struct {
	ID          string     // single record, when non-empty
	DeviceID    *int64     // records of one device
	StartAfter  *time.Time // inclusive lower bound of StartTime
	StartBefore *time.Time // exclusive upper bound of StartTime
}

// Covers reports whether r lies inside the filter window.
func (f *RemoteFilter) Covers(r *TestRecord) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.DeviceID != nil && r.DeviceID != *f.DeviceID {
		return false
	}
	if f.StartAfter != nil && r.StartTime.Before(*f.StartAfter) {
		return false
	}
	if f.StartBefore != nil && !r.StartTime.Before(*f.StartBefore) {
		return false
	}
	return true
}

// Page is one page of a record listing. An empty NextPageToken ends the
// listing.
type Page struct {
	Records       []TestRecord
	NextPageToken string
}

// Remote is the fetch capability of the upstream catalog. Authentication and
// transport are the implementation's concern. Implementations must be safe
// for concurrent use.
type Remote interface {
	// ListRecords returns the page of records matching filter that starts at
	// pageToken ("" for the first page).
	ListRecords(ctx context.Context, filter RemoteFilter, pageToken string) (Page, error)

	// FetchPayload returns the raw time-series table of record id.
	FetchPayload(ctx context.Context, id string) ([]byte, error)
}

// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// FakeRemote is an in-memory types.Remote with paging, failure injection
// and call counters.
type FakeRemote struct {
	mu        sync.Mutex
	records   []types.TestRecord
	payloads  map[string][]byte
	pageSize  int
	listFails int
	fetchErrs map[string]error
	hang      map[string]bool
	lists     int
	fetches   map[string]int
}

var _ types.Remote = (*FakeRemote)(nil)

// NewFakeRemote returns an empty remote serving pages of pageSize records.
func NewFakeRemote(pageSize int) *FakeRemote {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &FakeRemote{
		payloads:  make(map[string][]byte),
		pageSize:  pageSize,
		fetchErrs: make(map[string]error),
		hang:      make(map[string]bool),
		fetches:   make(map[string]int),
	}
}

// Put adds a record or replaces the one with the same ID in place.
func (f *FakeRemote) Put(r types.TestRecord, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r = r.Clone()
	for i := range f.records {
		if f.records[i].ID == r.ID {
			f.records[i] = r
			f.payloads[r.ID] = payload
			return
		}
	}
	f.records = append(f.records, r)
	f.payloads[r.ID] = payload
}

// Remove forgets a record.
func (f *FakeRemote) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			break
		}
	}
	delete(f.payloads, id)
}

// FailLists makes the next n ListRecords calls fail with
// types.ErrRemoteUnavailable.
func (f *FakeRemote) FailLists(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFails = n
}

// FailFetch makes FetchPayload of id fail with err until cleared with nil.
func (f *FakeRemote) FailFetch(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fetchErrs, id)
		return
	}
	f.fetchErrs[id] = err
}

// HangFetch makes FetchPayload of id block until its context ends.
func (f *FakeRemote) HangFetch(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang[id] = true
}

// ListCalls returns the number of ListRecords calls.
func (f *FakeRemote) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// FetchCalls returns the number of FetchPayload calls for id.
func (f *FakeRemote) FetchCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

// TotalFetches returns the number of FetchPayload calls for all IDs.
func (f *FakeRemote) TotalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

func (f *FakeRemote) ListRecords(ctx context.Context, filter types.RemoteFilter, pageToken string) (types.Page, error) {
	if err := ctx.Err(); err != nil {
		return types.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listFails > 0 {
		f.listFails--
		return types.Page{}, fmt.Errorf("listing: %w", types.ErrRemoteUnavailable)
	}

	var matched []types.TestRecord
	for i := range f.records {
		if filter.Covers(&f.records[i]) {
			matched = append(matched, f.records[i].Clone())
		}
	}
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(matched) {
			return types.Page{}, fmt.Errorf("bad page token %q", pageToken)
		}
		start = n
	}
	end := min(start+f.pageSize, len(matched))
	page := types.Page{Records: matched[start:end]}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeRemote) FetchPayload(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	f.fetches[id]++
	hang := f.hang[id]
	err := f.fetchErrs[id]
	payload, ok := f.payloads[id]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("fetching %s: %w", id, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", id, types.ErrNotFound)
	}
	return append([]byte(nil), payload...), nil
}

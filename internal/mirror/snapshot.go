package mirror

import (
	"time"

	"github.com/mesh-intelligence/cellmirror/internal/manifest"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Snapshot is an immutable view of the manifest.
type Snapshot struct {
	doc   *manifest.Manifest
	byKey map[startKey]string
	paths map[string]string // storage path -> id
}

type startKey struct {
	device int64
	start  int64
}

func newSnapshot(doc *manifest.Manifest) *Snapshot {
	s := &Snapshot{
		doc:   doc,
		byKey: make(map[startKey]string, doc.Len()),
		paths: make(map[string]string, doc.Len()),
	}
	doc.Each(func(e *types.ManifestEntry) bool {
		s.byKey[startKey{e.DeviceID, e.StartTime.Unix()}] = e.ID
		s.paths[e.StoragePath] = e.ID
		return true
	})
	return s
}

// Len returns the number of valid entries.
func (s *Snapshot) Len() int {
	return s.doc.Len()
}

// Entries returns a copy of all entries in manifest order.
func (s *Snapshot) Entries() []types.ManifestEntry {
	return s.doc.Entries()
}

// Each iterates entries in order without copying; fn must not modify them.
func (s *Snapshot) Each(fn func(*types.ManifestEntry) bool) {
	s.doc.Each(fn)
}

// Get returns the entry with the given ID.
func (s *Snapshot) Get(id string) (types.ManifestEntry, bool) {
	return s.doc.Get(id)
}

// ByKey returns the entry of a device at a start time.
func (s *Snapshot) ByKey(deviceID int64, start time.Time) (types.ManifestEntry, bool) {
	id, ok := s.byKey[startKey{deviceID, start.Unix()}]
	if !ok {
		return types.ManifestEntry{}, false
	}
	return s.doc.Get(id)
}

// ByPath returns the ID of the entry that references storagePath.
func (s *Snapshot) ByPath(storagePath string) (string, bool) {
	id, ok := s.paths[storagePath]
	return id, ok
}

// Malformed returns the manifest lines that failed to decode.
func (s *Snapshot) Malformed() []manifest.Malformed {
	return s.doc.Malformed()
}

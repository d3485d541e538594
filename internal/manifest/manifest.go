// Package manifest holds the authoritative index of mirrored records: one
// JSON object per line in manifest.jsonl, in insertion order.
//
// A Manifest is an in-memory document. Upsert and Remove change only memory;
// Save rewrites the file atomically, so the persisted manifest is always
// either the previous or the new version.
package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// maxLine bounds a single manifest line.
const maxLine = 16 << 20

// Malformed is a manifest line that could not be decoded into a valid entry.
// It is kept verbatim until a repair drops it.
type Malformed struct {
	Line int // 1-based line number at load time
	Raw  string
	Err  error
}

// Manifest is an ordered set of entries keyed by record ID. It is not safe
// for concurrent mutation; the mirror package serializes writers.
type Manifest struct {
	entries   []types.ManifestEntry
	index     map[string]int
	malformed []Malformed
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{index: make(map[string]int)}
}

// Path returns the manifest file location under a mirror root.
func Path(root string) string {
	return filepath.Join(root, types.ManifestFileName)
}

// Load reads the manifest at path. A missing file yields an empty manifest.
// Undecodable lines, invalid entries and repeated IDs are kept as Malformed.
func Load(path string) (*Manifest, error) {
	m := New()
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		e, err := decodeEntry(raw)
		if err == nil {
			if _, dup := m.index[e.ID]; dup {
				err = fmt.Errorf("duplicate id %s", e.ID)
			}
		}
		if err != nil {
			m.malformed = append(m.malformed, Malformed{Line: line, Raw: string(raw), Err: err})
			continue
		}
		m.index[e.ID] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return m, nil
}

func decodeEntry(raw []byte) (types.ManifestEntry, error) {
	var e types.ManifestEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return types.ManifestEntry{}, err
	}
	if err := e.Validate(); err != nil {
		return types.ManifestEntry{}, err
	}
	e.Normalize()
	return e, nil
}

// Save atomically writes the manifest to path: valid entries in order, then
// malformed lines verbatim.
func (m *Manifest) Save(path string) error {
	lines := make([][]byte, 0, len(m.entries)+len(m.malformed))
	for i := range m.entries {
		data, err := json.Marshal(&m.entries[i])
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", m.entries[i].ID, err)
		}
		lines = append(lines, data)
	}
	for _, bad := range m.malformed {
		lines = append(lines, []byte(bad.Raw))
	}
	return writeJSONL(path, lines)
}

// writeJSONL atomically writes lines to path using the temp-file, fsync,
// rename pattern.
func writeJSONL(path string, lines [][]byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing entry: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Clone returns an independent copy.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		entries:   make([]types.ManifestEntry, len(m.entries)),
		index:     make(map[string]int, len(m.index)),
		malformed: append([]Malformed(nil), m.malformed...),
	}
	for i := range m.entries {
		c.entries[i] = cloneEntry(m.entries[i])
	}
	for id, i := range m.index {
		c.index[id] = i
	}
	return c
}

func cloneEntry(e types.ManifestEntry) types.ManifestEntry {
	e.TestRecord = e.TestRecord.Clone()
	return e
}

// Len returns the number of valid entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Get returns a copy of the entry with the given ID.
func (m *Manifest) Get(id string) (types.ManifestEntry, bool) {
	i, ok := m.index[id]
	if !ok {
		return types.ManifestEntry{}, false
	}
	return cloneEntry(m.entries[i]), true
}

// Entries returns a copy of all entries in insertion order.
func (m *Manifest) Entries() []types.ManifestEntry {
	out := make([]types.ManifestEntry, len(m.entries))
	for i := range m.entries {
		out[i] = cloneEntry(m.entries[i])
	}
	return out
}

// Each calls fn for every entry in order without copying. fn must not
// retain or modify the entry.
func (m *Manifest) Each(fn func(*types.ManifestEntry) bool) {
	for i := range m.entries {
		if !fn(&m.entries[i]) {
			return
		}
	}
}

// Upsert replaces the entry with the same ID in place, or appends e.
// It reports whether an existing entry was replaced.
func (m *Manifest) Upsert(e types.ManifestEntry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	e = cloneEntry(e)
	e.Normalize()
	if i, ok := m.index[e.ID]; ok {
		m.entries[i] = e
		return true, nil
	}
	m.index[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return false, nil
}

// Remove deletes the entry with the given ID, keeping the order of the rest.
func (m *Manifest) Remove(id string) bool {
	i, ok := m.index[id]
	if !ok {
		return false
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, id)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].ID] = j
	}
	return true
}

// Malformed returns the lines that failed to decode.
func (m *Manifest) Malformed() []Malformed {
	return append([]Malformed(nil), m.malformed...)
}

// DropMalformed removes the first malformed line whose raw text is raw.
func (m *Manifest) DropMalformed(raw string) bool {
	for i, bad := range m.malformed {
		if bad.Raw == raw {
			m.malformed = append(m.malformed[:i], m.malformed[i+1:]...)
			return true
		}
	}
	return false
}

// Version returns the version tag of an entry:
// <last_data_point_timestamp>-<first 8 hex digits of sha256 of its JSON>.
// Any change to the entry changes the tag.
func Version(e *types.ManifestEntry) string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%d-invalid", e.LastDataPointTimestamp)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%d-%x", e.LastDataPointTimestamp, sum[:4])
}

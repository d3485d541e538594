package recordstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// Retry budget for reads that race a replace. The exchange in PutAt leaves
// no gap on Linux, but a reader can still open the directory that is about
// to be discarded, and the rename fallback leaves the path empty between
// its two renames.
const (
	readRetries  = 10
	readInterval = 100 * time.Microsecond
	readMaxDelay = 5 * time.Millisecond
)

var errIncomplete = errors.New("record incomplete")

// parts is one read of a record directory.
type parts struct {
	meta, payload       []byte
	hasMeta, hasPayload bool
}

func (p *parts) complete() bool {
	return p.hasMeta && p.hasPayload
}

// check maps missing files to types.ErrNotFound (both) or a
// *types.CorruptError naming the missing part.
func (p *parts) check(storagePath string) error {
	switch {
	case !p.hasMeta && !p.hasPayload:
		return fmt.Errorf("record %s: %w", storagePath, types.ErrNotFound)
	case !p.hasMeta:
		return &types.CorruptError{Path: storagePath, Part: types.PartMetadata, Err: fmt.Errorf("%s: %w", MetadataFile, fs.ErrNotExist)}
	case !p.hasPayload:
		return &types.CorruptError{Path: storagePath, Part: types.PartPayload, Err: fmt.Errorf("%s: %w", PayloadFile, fs.ErrNotExist)}
	}
	return nil
}

// record decodes the metadata of a complete read. Undecodable metadata is
// reported ahead of a missing payload.
func (p *parts) record(storagePath string) (types.TestRecord, error) {
	if !p.hasMeta {
		return types.TestRecord{}, p.check(storagePath)
	}
	rec, err := decodePart(storagePath, p.meta)
	if err != nil {
		return types.TestRecord{}, err
	}
	if !p.hasPayload {
		return types.TestRecord{}, p.check(storagePath)
	}
	return rec, nil
}

// read loads storagePath, retrying an incomplete result once, and then for
// as long as a replace is in flight next to it.
func (s *Store) read(storagePath string, withPayload bool) (parts, error) {
	dir, err := s.abs(storagePath)
	if err != nil {
		return parts{}, err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = readInterval
	eb.MaxInterval = readMaxDelay
	eb.MaxElapsedTime = 0

	var p parts
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		var err error
		if p, err = load(dir, storagePath, withPayload); err != nil {
			return backoff.Permanent(err)
		}
		if p.complete() || (attempt > 1 && !replacing(filepath.Dir(dir))) {
			return nil
		}
		return errIncomplete
	}, backoff.WithMaxRetries(eb, readRetries))
	if err != nil && !errors.Is(err, errIncomplete) {
		return parts{}, err
	}
	return p, nil
}

// load reads one version of the record at dir. Both files are opened
// through a single directory handle before either is read, so a concurrent
// replace yields the old record or the new one, never a mix.
func load(dir, storagePath string, withPayload bool) (parts, error) {
	var p parts
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("opening %s: %w", storagePath, err)
	}
	meta, err := openPart(root, MetadataFile, storagePath)
	if err != nil {
		root.Close()
		return p, err
	}
	payload, err := openPart(root, PayloadFile, storagePath)
	root.Close()
	if err != nil {
		closePart(meta)
		return p, err
	}
	defer closePart(meta)
	defer closePart(payload)

	if meta != nil {
		p.hasMeta = true
		if p.meta, err = io.ReadAll(meta); err != nil {
			return p, fmt.Errorf("reading %s/%s: %w", storagePath, MetadataFile, err)
		}
	}
	if payload != nil {
		p.hasPayload = true
		if withPayload {
			if p.payload, err = io.ReadAll(payload); err != nil {
				return p, fmt.Errorf("reading %s/%s: %w", storagePath, PayloadFile, err)
			}
		}
	}
	return p, nil
}

// openPart opens name in root. An absent file yields a nil *os.File.
func openPart(root *os.Root, name, storagePath string) (*os.File, error) {
	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s/%s: %w", storagePath, name, err)
	}
	return f, nil
}

func closePart(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// replacing reports whether parent holds an in-flight temp or replaced
// directory.
func replacing(parent string) bool {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if IsDebris(e.Name()) {
			return true
		}
	}
	return false
}

// Package recordstore persists mirrored test records on disk, one directory
// per record holding a metadata file and a payload file.
//
// Layout: <root>/[<project>/]<device_name>/<start_time>/{record.json,payload.dat}
// with start_time in types.StartTimeLayout. Records are written into a
// hidden sibling temp directory and published with a rename, so a partially
// written record is never visible at its storage path.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// File names inside a record directory.
const (
	MetadataFile = "record.json"
	PayloadFile  = "payload.dat"
)

// Prefixes of in-flight directories and files. Anything carrying them after
// a crash is debris.
const (
	TempPrefix = ".tmp-"
	OldPrefix  = ".old-"
)

// Store reads and writes record directories under a root.
type Store struct {
	root   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, types.ErrRootEmpty
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating root %s: %w", abs, err)
	}
	s := &Store{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute mirror root.
func (s *Store) Root() string {
	return s.root
}

// StoragePath returns the canonical, slash-separated storage path of r
// relative to the root.
func (s *Store) StoragePath(r *types.TestRecord) string {
	parts := make([]string, 0, 3)
	if r.Project != "" {
		parts = append(parts, sanitize(r.Project))
	}
	parts = append(parts, sanitize(r.DeviceName), r.StartKey())
	return path.Join(parts...)
}

// sanitize makes s usable as a single, visible path component.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == ".." {
		return "_"
	}
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	return s
}

// abs converts a storage path into an absolute directory under the root,
// rejecting paths that escape it.
func (s *Store) abs(storagePath string) (string, error) {
	if storagePath == "" || path.IsAbs(storagePath) || strings.Contains(storagePath, "\\") {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidPath, storagePath)
	}
	clean := path.Clean(storagePath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidPath, storagePath)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes r and payload at the canonical storage path of r and returns
// that path. An existing directory at the path is replaced.
func (s *Store) Put(ctx context.Context, r *types.TestRecord, payload []byte) (string, error) {
	p := s.StoragePath(r)
	if err := s.PutAt(ctx, p, r, payload); err != nil {
		return "", err
	}
	return p, nil
}

// PutAt writes r and payload at storagePath, replacing whatever is there.
func (s *Store) PutAt(ctx context.Context, storagePath string, r *types.TestRecord, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	dir, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	meta, err := encodeMetadata(r)
	if err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}

	tmp := filepath.Join(parent, TempPrefix+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	if err := writeSynced(filepath.Join(tmp, MetadataFile), meta); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := writeSynced(filepath.Join(tmp, PayloadFile), payload); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	var old string
	if _, err := os.Lstat(dir); err == nil {
		err := exchangeDirs(tmp, dir)
		switch {
		case err == nil:
			// tmp now holds the replaced record.
			syncDir(parent)
			if err := os.RemoveAll(tmp); err != nil {
				s.logger.Warn("removing replaced record", "path", storagePath, "err", err)
			}
			return nil
		case !errors.Is(err, errors.ErrUnsupported):
			os.RemoveAll(tmp)
			return fmt.Errorf("publishing %s: %w", storagePath, err)
		}
		// Without an atomic exchange the path is briefly empty; readers
		// retry while the .old- sibling exists.
		old = filepath.Join(parent, OldPrefix+uuid.NewString())
		if err := os.Rename(dir, old); err != nil {
			os.RemoveAll(tmp)
			return fmt.Errorf("moving aside %s: %w", storagePath, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		if old != "" {
			os.Rename(old, dir)
		}
		os.RemoveAll(tmp)
		return fmt.Errorf("publishing %s: %w", storagePath, err)
	}
	syncDir(parent)
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			s.logger.Warn("removing replaced record", "path", storagePath, "err", err)
		}
	}
	return nil
}

// Get reads the metadata and payload at storagePath. It returns
// types.ErrNotFound when neither file exists and a *types.CorruptError when
// only one does or the metadata cannot be decoded. Both files come from the
// same published version of the record, even while PutAt replaces it.
func (s *Store) Get(storagePath string) (types.TestRecord, []byte, error) {
	p, err := s.read(storagePath, true)
	if err != nil {
		return types.TestRecord{}, nil, err
	}
	rec, err := p.record(storagePath)
	if err != nil {
		return types.TestRecord{}, nil, err
	}
	return rec, p.payload, nil
}

// Inspect checks that storagePath holds decodable metadata and a payload
// file without reading the payload. Errors are as for Get.
func (s *Store) Inspect(storagePath string) (types.TestRecord, error) {
	p, err := s.read(storagePath, false)
	if err != nil {
		return types.TestRecord{}, err
	}
	return p.record(storagePath)
}

// GetMetadata reads and decodes only the metadata file. A record whose
// payload is missing still yields its metadata.
func (s *Store) GetMetadata(storagePath string) (types.TestRecord, error) {
	p, err := s.read(storagePath, false)
	if err != nil {
		return types.TestRecord{}, err
	}
	if !p.hasMeta {
		return types.TestRecord{}, p.check(storagePath)
	}
	return decodePart(storagePath, p.meta)
}

// GetPayload reads only the payload file.
func (s *Store) GetPayload(storagePath string) ([]byte, error) {
	p, err := s.read(storagePath, true)
	if err != nil {
		return nil, err
	}
	if !p.hasPayload {
		return nil, p.check(storagePath)
	}
	return p.payload, nil
}

func decodePart(storagePath string, meta []byte) (types.TestRecord, error) {
	rec, err := DecodeMetadata(meta)
	if err != nil {
		return types.TestRecord{}, &types.CorruptError{Path: storagePath, Part: types.PartMetadata, Err: err}
	}
	return rec, nil
}

// Delete removes the record directory at storagePath and any parent
// directories it leaves empty, up to the root.
func (s *Store) Delete(storagePath string) error {
	dir, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("record %s: %w", storagePath, types.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", storagePath, err)
	}
	// Move aside first so a failed RemoveAll leaves debris, not a half record.
	parent := filepath.Dir(dir)
	old := filepath.Join(parent, OldPrefix+uuid.NewString())
	if err := os.Rename(dir, old); err != nil {
		return fmt.Errorf("deleting %s: %w", storagePath, err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("deleting %s: %w", storagePath, err)
	}
	s.pruneEmpty(parent)
	return nil
}

// RemoveDebris deletes a leftover temp entry reported by Walk.
func (s *Store) RemoveDebris(storagePath string) error {
	name := path.Base(storagePath)
	if !IsDebris(name) {
		return fmt.Errorf("%w: %q is not debris", types.ErrInvalidPath, storagePath)
	}
	p, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("debris %s: %w", storagePath, types.ErrNotFound)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing debris %s: %w", storagePath, err)
	}
	s.pruneEmpty(filepath.Dir(p))
	return nil
}

func (s *Store) pruneEmpty(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// RewriteMetadata atomically replaces only the metadata file at storagePath.
// The payload must already exist.
func (s *Store) RewriteMetadata(storagePath string, r *types.TestRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	dir, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, PayloadFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &types.CorruptError{Path: storagePath, Part: types.PartPayload, Err: fmt.Errorf("%s: %w", PayloadFile, fs.ErrNotExist)}
		}
		return fmt.Errorf("stat payload %s: %w", storagePath, err)
	}
	meta, err := encodeMetadata(r)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, MetadataFile), meta)
}

func encodeMetadata(r *types.TestRecord) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata of %s: %w", r.ID, err)
	}
	return append(data, '\n'), nil
}

// DecodeMetadata parses and validates the contents of a metadata file.
func DecodeMetadata(data []byte) (types.TestRecord, error) {
	var rec types.TestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.TestRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return types.TestRecord{}, err
	}
	rec.Normalize()
	return rec, nil
}

// writeSynced creates name with data and fsyncs it.
func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(name), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(name), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(name), err)
	}
	return f.Close()
}

// writeAtomic replaces name using the temp-file, fsync, rename pattern.
func writeAtomic(name string, data []byte) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
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
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// syncDir flushes directory entries; failures are ignored since not every
// platform supports fsync on directories.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}

// exchangeDirs is replaced in tests to exercise the rename fallback.
var exchangeDirs = exchange

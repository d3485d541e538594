package recordstore

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ItemKind classifies what Walk found.
type ItemKind int

const (
	// ItemRecord is a directory holding a metadata file, a payload file, or
	// both.
	ItemRecord ItemKind = iota
	// ItemDebris is a leftover temp file or directory of an interrupted write.
	ItemDebris
)

func (k ItemKind) String() string {
	if k == ItemDebris {
		return "debris"
	}
	return "record"
}

// Item is one entry found by Walk. Path is relative to the root, slash
// separated.
type Item struct {
	Path        string
	Kind        ItemKind
	HasMetadata bool
	HasPayload  bool
}

// IsDebris reports whether a file or directory name marks an in-flight write.
func IsDebris(name string) bool {
	return strings.HasPrefix(name, TempPrefix) || strings.HasPrefix(name, OldPrefix)
}

// Walk calls fn for every record directory and debris entry under the root,
// in lexical path order. Hidden entries other than debris are skipped, as
// are files at the root itself.
func (s *Store) Walk(ctx context.Context, fn func(Item) error) error {
	records := make(map[string]*Item)
	var debris []string

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if IsDebris(name) {
			debris = append(debris, rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		parent := path.Dir(rel)
		if parent == "." {
			return nil
		}
		switch name {
		case MetadataFile, PayloadFile:
			it := records[parent]
			if it == nil {
				it = &Item{Path: parent, Kind: ItemRecord}
				records[parent] = it
			}
			if name == MetadataFile {
				it.HasMetadata = true
			} else {
				it.HasPayload = true
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", s.root, err)
	}

	items := make([]Item, 0, len(records)+len(debris))
	for _, it := range records {
		items = append(items, *it)
	}
	for _, p := range debris {
		items = append(items, Item{Path: p, Kind: ItemDebris})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	for _, it := range items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

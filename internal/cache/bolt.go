package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// BoltBackend stores values in a single bbolt bucket on local disk.
type BoltBackend struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBoltBackend opens or creates the database at path.
func OpenBoltBackend(path string, logger *slog.Logger) (*BoltBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketArtifacts, err)
	}
	logger.Debug("opened cache database", "path", path)
	return &BoltBackend{db: db, logger: logger}, nil
}

func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketArtifacts).Get([]byte(key))
		if val == nil {
			return ErrMiss
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

func (b *BoltBackend) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(key))
	})
}

func (b *BoltBackend) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	type kv struct {
		key   string
		value []byte
	}
	var matched []kv
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketArtifacts).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			matched = append(matched, kv{string(k), bytes.Clone(v)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltBackend) Close() error {
	b.logger.Debug("closing cache database")
	return b.db.Close()
}

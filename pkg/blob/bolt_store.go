package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/pixstore/pkg/xerrors"
)

var bucketBlobs = []byte("blobs")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore keeps every blob inside a single BoltDB file. Suitable for
// single-node deployments that want one file to back up.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "BoltStore", "path")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket %s: %w", bucketBlobs, err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Metadata, error) {
	if err := CheckKey("BoltStore.Put", key); err != nil {
		return Metadata{}, err
	}
	data, err := ReadAll("BoltStore.Put", key, r, size, opts)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{Key: key, Size: int64(len(data))}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if existing := bucket.Get([]byte(key)); existing != nil {
			meta.Size = int64(len(existing))
			return nil
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.KindInternal, "BoltStore.Put", key, err)
	}
	return meta, nil
}

func (b *BoltStore) Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return notFound("BoltStore.Get", key)
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), Metadata{Key: key, Size: int64(len(data))}, nil
}

func (b *BoltStore) Head(ctx context.Context, key string) (Metadata, error) {
	var meta Metadata
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return notFound("BoltStore.Head", key)
		}
		meta = Metadata{Key: key, Size: int64(len(v))}
		return nil
	})
	return meta, err
}

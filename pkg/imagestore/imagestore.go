// Package imagestore addresses canonical PNGs by content over a blob.Store.
//
// Keys are derived from the bytes themselves, so a key is never reused for
// different content and concurrent writers of the same image race harmlessly:
// whichever write lands first, the stored bytes are identical. No locking is
// done around the existence check and the write.
package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/jacktea/pixstore/pkg/blob"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// KeySuffix is appended to the hex digest of every key.
const KeySuffix = ".png"

// KeyFor returns hex(sha256(data)) + ".png".
func KeyFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + KeySuffix
}

// ValidKey reports whether key has the shape KeyFor produces.
func ValidKey(key string) bool {
	if len(key) != sha256.Size*2+len(KeySuffix) || key[sha256.Size*2:] != KeySuffix {
		return false
	}
	for i := 0; i < sha256.Size*2; i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Store is the content store over an external immutable object store.
type Store struct {
	blobs blob.Store
}

// New wraps blobs.
func New(blobs blob.Store) *Store {
	return &Store{blobs: blobs}
}

// Exists reports whether key was previously written.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if !ValidKey(key) {
		return false, nil
	}
	_, err := s.blobs.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case xerrors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// PutIfAbsent writes data under key unless it is already stored. created is
// false when an earlier write completed first. The integrity hash of data
// travels with the write.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) (blob.Metadata, bool, error) {
	if !ValidKey(key) {
		return blob.Metadata{}, false, xerrors.E(xerrors.KindInvalid, "imagestore.PutIfAbsent", key)
	}
	meta, err := s.blobs.Head(ctx, key)
	if err == nil {
		return meta, false, nil
	}
	if !xerrors.IsNotFound(err) {
		return blob.Metadata{}, false, err
	}
	meta, err = s.Put(ctx, key, data)
	if err != nil {
		return blob.Metadata{}, false, err
	}
	return meta, true, nil
}

// Put writes data under key with its integrity hash and no existence check.
// It is for callers that have just seen Exists report false; a racing copy
// of the same key is harmless since the bytes are identical.
func (s *Store) Put(ctx context.Context, key string, data []byte) (blob.Metadata, error) {
	if !ValidKey(key) {
		return blob.Metadata{}, xerrors.E(xerrors.KindInvalid, "imagestore.Put", key)
	}
	return s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), blob.PutOptions{
		Checksum: blob.Checksum(data),
	})
}

// Get returns the bytes stored under key, or a KindNotFound error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, xerrors.E(xerrors.KindNotFound, "imagestore.Get", key)
	}
	rc, _, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "imagestore.Get", key, err)
	}
	return data, nil
}

// Stat returns the stored metadata for key.
func (s *Store) Stat(ctx context.Context, key string) (blob.Metadata, error) {
	if !ValidKey(key) {
		return blob.Metadata{}, xerrors.E(xerrors.KindNotFound, "imagestore.Stat", key)
	}
	return s.blobs.Head(ctx, key)
}

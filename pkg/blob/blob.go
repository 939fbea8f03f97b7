// Package blob defines the immutable object-store collaborator that persists
// canonical image bytes, together with local, embedded, remote and tiered
// implementations.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/jacktea/pixstore/pkg/xerrors"
)

// Metadata is the read-only view of a stored object.
type Metadata struct {
	Key  string
	Size int64
}

// Store is the minimal interface required by higher layers. Keys are flat
// strings; objects are written once and never updated.
type Store interface {
	Head(ctx context.Context, key string) (Metadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Metadata, error)
}

// PutOptions controls blob persistence.
type PutOptions struct {
	// Checksum is the hex SHA-256 of the payload. When set the store refuses
	// bytes that do not hash to it.
	Checksum string
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadAll drains r and verifies the result against opts.Checksum.
func ReadAll(op, key string, r io.Reader, size int64, opts PutOptions) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, key, err)
	}
	data := buf.Bytes()
	if size >= 0 && int64(len(data)) != size {
		return nil, xerrors.Wrap(xerrors.KindIntegrity, op, key,
			fmt.Errorf("size %d, want %d", len(data), size))
	}
	if opts.Checksum != "" {
		if got := Checksum(data); !strings.EqualFold(got, opts.Checksum) {
			return nil, xerrors.Wrap(xerrors.KindIntegrity, op, key,
				fmt.Errorf("sha256 %s, want %s", got, opts.Checksum))
		}
	}
	return data, nil
}

// CheckKey rejects keys that cannot name a flat object.
func CheckKey(op, key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return xerrors.E(xerrors.KindInvalid, op, key)
	}
	return nil
}

func notFound(op, key string) error {
	return xerrors.E(xerrors.KindNotFound, op, key)
}

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jacktea/pixstore/pkg/xerrors"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // if true, writes are mirrored to secondary
	CacheOnRead     bool // if true, secondary reads are copied into primary
}

// HybridStore layers a primary (usually local) store with a secondary backend.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary blob stores.
func NewHybridStore(primary Store, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary store required")
	}
	if secondary == nil {
		return nil, fmt.Errorf("hybrid: secondary store required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

func (h *HybridStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Metadata, error) {
	data, err := ReadAll("HybridStore.Put", key, r, size, opts)
	if err != nil {
		return Metadata{}, err
	}
	meta, err := h.primary.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return Metadata{}, err
	}
	if h.opts.MirrorSecondary {
		if _, err := h.secondary.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
			return Metadata{}, err
		}
	}
	return meta, nil
}

func (h *HybridStore) Get(ctx context.Context, key string) (io.ReadCloser, Metadata, error) {
	rc, meta, err := h.primary.Get(ctx, key)
	if err == nil {
		return rc, meta, nil
	}
	if !xerrors.IsNotFound(err) {
		return nil, Metadata{}, err
	}
	rc2, _, err := h.secondary.Get(ctx, key)
	if err != nil {
		return nil, Metadata{}, err
	}
	data, err := io.ReadAll(rc2)
	rc2.Close()
	if err != nil {
		return nil, Metadata{}, err
	}
	if h.opts.CacheOnRead {
		// Best effort: a failed local copy still serves the secondary bytes.
		_, _ = h.primary.Put(ctx, key, bytes.NewReader(data), int64(len(data)), PutOptions{Checksum: Checksum(data)})
	}
	return io.NopCloser(bytes.NewReader(data)), Metadata{Key: key, Size: int64(len(data))}, nil
}

func (h *HybridStore) Head(ctx context.Context, key string) (Metadata, error) {
	meta, err := h.primary.Head(ctx, key)
	if err == nil || !xerrors.IsNotFound(err) {
		return meta, err
	}
	return h.secondary.Head(ctx, key)
}

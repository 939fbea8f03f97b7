// Package pipeline composes the codec and the content store into the upload
// (ingest) and download (retrieve/transform) flows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jacktea/pixstore/pkg/imagestore"
	"github.com/jacktea/pixstore/pkg/imaging"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// ErrInvalidFile marks an upload batch rejected because one item could not
// be decoded.
var ErrInvalidFile = errors.New("invalid file")

// UploadItem is one uploaded file.
type UploadItem struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is the outcome for one UploadItem.
type Result struct {
	Key     string `json:"key"`
	Size    int64  `json:"-"`
	Created bool   `json:"-"`
}

// Ingester canonicalizes, deduplicates and stores upload batches.
type Ingester struct {
	Codec imaging.Codec
	Store *imagestore.Store
	// Workers bounds parallel decoding within one batch. Defaults to 4.
	Workers int
	Log     *slog.Logger
}

// Ingest processes items and returns one Result per item in input order.
//
// Every item is canonicalized before anything is written, so a batch with an
// undecodable item fails with ErrInvalidFile and leaves the store untouched.
// Writes then happen sequentially in input order; a store failure aborts the
// remaining items and is returned as is.
func (in *Ingester) Ingest(ctx context.Context, items []UploadItem) ([]Result, error) {
	canonical, err := in.canonicalize(ctx, items)
	if err != nil {
		return nil, err
	}
	log := in.logger()
	results := make([]Result, 0, len(items))
	for i, data := range canonical {
		key := imagestore.KeyFor(data)
		exists, err := in.Store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("ingest item %d: %w", i, err)
		}
		if exists {
			log.DebugContext(ctx, "dedup hit", "key", key, "item", i)
			results = append(results, Result{Key: key, Size: int64(len(data))})
			continue
		}
		meta, err := in.Store.Put(ctx, key, data)
		if err != nil {
			return nil, fmt.Errorf("ingest item %d: %w", i, err)
		}
		log.InfoContext(ctx, "stored image", "key", key, "bytes", meta.Size,
			"name", items[i].Name, "declared_type", items[i].ContentType)
		results = append(results, Result{Key: key, Size: meta.Size, Created: true})
	}
	return results, nil
}

func (in *Ingester) canonicalize(ctx context.Context, items []UploadItem) ([][]byte, error) {
	out := make([][]byte, len(items))
	errs := make([]error, len(items))
	workers := in.Workers
	if workers <= 0 {
		workers = 4
	}
	// lowest is the smallest failing index seen so far. Items above it are
	// skipped; items below it always run, so the first failure in input
	// order is never missed.
	var lowest atomic.Int64
	lowest.Store(int64(len(items)))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range items {
		g.Go(func() error {
			if ctx.Err() != nil || int64(i) > lowest.Load() {
				return nil
			}
			data, err := in.Codec.Canonicalize(items[i].Data)
			if err != nil {
				errs[i] = err
				for {
					cur := lowest.Load()
					if int64(i) >= cur || lowest.CompareAndSwap(cur, int64(i)) {
						break
					}
				}
				return nil
			}
			out[i] = data
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	first := int(lowest.Load())
	if first == len(items) {
		return out, nil
	}
	itemErr := errs[first]
	if xerrors.KindOf(itemErr) != xerrors.KindDecode {
		return nil, itemErr
	}
	in.logger().WarnContext(ctx, "rejecting upload batch", "item", first,
		"name", items[first].Name, "declared_type", items[first].ContentType, "err", itemErr)
	return nil, &xerrors.Error{
		Kind: xerrors.KindDecode,
		Op:   "ingest",
		Key:  fmt.Sprintf("item %d", first),
		Err:  fmt.Errorf("%w: %w", ErrInvalidFile, itemErr),
	}
}

func (in *Ingester) logger() *slog.Logger {
	if in.Log != nil {
		return in.Log
	}
	return slog.Default()
}

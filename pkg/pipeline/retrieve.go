package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/jacktea/pixstore/pkg/imagestore"
	"github.com/jacktea/pixstore/pkg/imaging"
	"github.com/jacktea/pixstore/pkg/xerrors"
)

// TransformRequest asks for the image at Key, resized to Dimensions when any
// axis is positive.
type TransformRequest struct {
	Key        string
	Dimensions imaging.Dimensions
}

// Rendition is a retrieval outcome ready to be written to a client.
type Rendition struct {
	Data        []byte
	ContentType string
	// Found is false for the not-found placeholder.
	Found bool
	// Cacheable marks content that may be cached for a long time; stored
	// content never changes under its key.
	Cacheable bool
}

// Retriever reads stored images and applies optional resizing. Concurrent
// identical requests share one store read and one resize.
type Retriever struct {
	Codec imaging.Codec
	Store *imagestore.Store
	Log   *slog.Logger

	flights singleflight.Group
}

// Retrieve resolves req. Unknown keys produce the transparent placeholder
// rendition rather than an error. Invalid dimensions fail with KindDimension
// before the store is read. Store failures are returned unchanged.
func (r *Retriever) Retrieve(ctx context.Context, req TransformRequest) (Rendition, error) {
	if err := req.Dimensions.Validate(r.Codec.Limits); err != nil {
		return Rendition{}, err
	}
	if req.Key == "" {
		return placeholder(), nil
	}
	// The shared read outlives any single caller; each caller only stops
	// waiting for it when its own context ends.
	flight := r.flights.DoChan(flightKey(req), func() (any, error) {
		return r.render(context.WithoutCancel(ctx), req)
	})
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return Rendition{}, res.Err
		}
		if res.Shared {
			r.logger().DebugContext(ctx, "shared retrieval", "key", req.Key)
		}
		return res.Val.(Rendition), nil
	}
}

func (r *Retriever) render(ctx context.Context, req TransformRequest) (Rendition, error) {
	data, err := r.Store.Get(ctx, req.Key)
	if xerrors.IsNotFound(err) {
		return placeholder(), nil
	}
	if err != nil {
		return Rendition{}, err
	}
	if !req.Dimensions.Skip() {
		data, err = r.Codec.Resize(data, req.Dimensions)
		if err != nil {
			return Rendition{}, err
		}
		r.logger().DebugContext(ctx, "resized image", "key", req.Key,
			"width", req.Dimensions.Width, "height", req.Dimensions.Height,
			"preserve_aspect", req.Dimensions.PreserveAspect, "bytes", len(data))
	}
	return Rendition{
		Data:        data,
		ContentType: imaging.ContentType,
		Found:       true,
		Cacheable:   true,
	}, nil
}

func flightKey(req TransformRequest) string {
	d := req.Dimensions
	return fmt.Sprintf("%s?w=%d&h=%d&p=%t", req.Key, d.Width, d.Height, d.PreserveAspect)
}

func placeholder() Rendition {
	return Rendition{Data: imaging.Placeholder(), ContentType: imaging.ContentType}
}

func (r *Retriever) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

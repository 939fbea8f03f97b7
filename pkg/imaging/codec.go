// Package imaging decodes arbitrary raster uploads and re-encodes them as
// canonical PNG, and resizes stored PNGs on read.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/jacktea/pixstore/pkg/xerrors"
)

// ContentType is the media type of every image this package emits.
const ContentType = "image/png"

// Defaults applied to zero Limits fields.
const (
	DefaultMaxPixels    = 64 << 20
	DefaultMaxDimension = 8192
)

// Limits bounds the work a single decode or resize may cause.
type Limits struct {
	// MaxPixels caps width*height of a decoded image. Defaults to 64 megapixels.
	MaxPixels int64
	// MaxDimension caps a requested resize axis. Defaults to 8192.
	MaxDimension int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPixels: DefaultMaxPixels, MaxDimension: DefaultMaxDimension}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxPixels <= 0 {
		l.MaxPixels = def.MaxPixels
	}
	if l.MaxDimension <= 0 {
		l.MaxDimension = def.MaxDimension
	}
	return l
}

// Codec canonicalizes and resizes images within its Limits. The zero value
// uses DefaultLimits. A Codec holds no per-call state and is safe for
// concurrent use.
type Codec struct {
	Limits Limits
}

// The encoder is shared so that buffers are reused across calls; its fixed
// compression level makes the output a pure function of the pixels.
var encoder = &png.Encoder{
	CompressionLevel: png.DefaultCompression,
	BufferPool:       &bufferPool{},
}

type bufferPool struct{ pool sync.Pool }

func (p *bufferPool) Get() *png.EncoderBuffer {
	if b, ok := p.pool.Get().(*png.EncoderBuffer); ok {
		return b
	}
	return nil
}

func (p *bufferPool) Put(b *png.EncoderBuffer) { p.pool.Put(b) }

var errEmpty = errors.New("empty input")

// Decode sniffs the format of raw and decodes it. Zero-byte, corrupt,
// unsupported or oversized inputs fail with KindDecode.
func (c Codec) Decode(raw []byte) (image.Image, string, error) {
	if len(raw) == 0 {
		return nil, "", xerrors.Wrap(xerrors.KindDecode, "imaging.Decode", "", errEmpty)
	}
	limits := c.Limits.withDefaults()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.KindDecode, "imaging.Decode", "", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", xerrors.Wrap(xerrors.KindDecode, "imaging.Decode", "",
			fmt.Errorf("%s reports %dx%d", format, cfg.Width, cfg.Height))
	}
	if int64(cfg.Width)*int64(cfg.Height) > limits.MaxPixels {
		return nil, "", xerrors.Wrap(xerrors.KindDecode, "imaging.Decode", "",
			fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, limits.MaxPixels))
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.KindDecode, "imaging.Decode", "", err)
	}
	return img, format, nil
}

// Encode writes img as PNG.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "imaging.Encode", "", err)
	}
	return buf.Bytes(), nil
}

// Canonicalize decodes raw in any supported format and returns the full
// image encoded as PNG. It has no side effects.
func (c Codec) Canonicalize(raw []byte) ([]byte, error) {
	img, _, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(img)
}

// Placeholder returns the fixed 1x1 fully transparent PNG served for unknown keys.
// Callers must not modify the returned slice.
var Placeholder = sync.OnceValue(func() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{})
	data, err := Encode(img)
	if err != nil {
		panic(err)
	}
	return data
})

package imaging

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"github.com/jacktea/pixstore/pkg/xerrors"
)

// Dimensions is a requested output size. A non-positive axis is absent.
type Dimensions struct {
	Width          int
	Height         int
	PreserveAspect bool
}

// ParseDimensions reads the w, h and aspect query values. Empty values are
// absent; anything that is not a base-10 integer fails with KindDimension.
// Parsing is strict: a value with a unit or fraction such as "10px" or "5.5"
// is rejected rather than truncated to its leading digits.
// aspect enables aspect preservation when it is "p" or "preserve".
func ParseDimensions(w, h, aspect string) (Dimensions, error) {
	width, err := parseAxis("w", w)
	if err != nil {
		return Dimensions{}, err
	}
	height, err := parseAxis("h", h)
	if err != nil {
		return Dimensions{}, err
	}
	return Dimensions{
		Width:          width,
		Height:         height,
		PreserveAspect: aspect == "p" || aspect == "preserve",
	}, nil
}

func parseAxis(name, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindDimension, "imaging.ParseDimensions", name, err)
	}
	return n, nil
}

// Validate rejects negative axes and axes above limits.MaxDimension.
func (d Dimensions) Validate(limits Limits) error {
	limits = limits.withDefaults()
	if d.Width < 0 || d.Height < 0 {
		return xerrors.Wrap(xerrors.KindDimension, "imaging.Validate", "",
			fmt.Errorf("negative size %dx%d", d.Width, d.Height))
	}
	if d.Width > limits.MaxDimension || d.Height > limits.MaxDimension {
		return xerrors.Wrap(xerrors.KindDimension, "imaging.Validate", "",
			fmt.Errorf("%dx%d exceeds %d", d.Width, d.Height, limits.MaxDimension))
	}
	return nil
}

// Skip reports whether no resize was requested.
func (d Dimensions) Skip() bool {
	return d.Width <= 0 && d.Height <= 0
}

// Resolve computes the output size for a srcW x srcH source.
//
// With PreserveAspect and a positive width, the height always follows the
// source ratio, even if one was supplied. Without it, two positive axes are
// used as given and the image may stretch. A single positive axis is honored
// exactly and the other follows the source ratio. Derived axes never drop
// below one pixel.
func (d Dimensions) Resolve(srcW, srcH int) (int, int) {
	switch {
	case d.Skip():
		return srcW, srcH
	case d.PreserveAspect && d.Width > 0:
		return d.Width, scaleAxis(d.Width, srcH, srcW)
	case d.Width > 0 && d.Height > 0:
		return d.Width, d.Height
	case d.Width > 0:
		return d.Width, scaleAxis(d.Width, srcH, srcW)
	default:
		return scaleAxis(d.Height, srcW, srcH), d.Height
	}
}

// scaleAxis returns round(target * num / den), at least 1.
func scaleAxis(target, num, den int) int {
	if den <= 0 {
		return target
	}
	v := int(math.Round(float64(target) * float64(num) / float64(den)))
	if v < 1 {
		return 1
	}
	return v
}

// Resize scales the PNG in data to d and re-encodes it as PNG. Invalid
// dimensions fail before any decoding; a request with no positive axis
// returns data unchanged.
func (c Codec) Resize(data []byte, d Dimensions) ([]byte, error) {
	if err := d.Validate(c.Limits); err != nil {
		return nil, err
	}
	if d.Skip() {
		return data, nil
	}
	src, _, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	w, h := d.Resolve(bounds.Dx(), bounds.Dy())
	if limits := c.Limits.withDefaults(); int64(w)*int64(h) > limits.MaxPixels {
		return nil, xerrors.Wrap(xerrors.KindDimension, "imaging.Resize", "",
			fmt.Errorf("%dx%d exceeds %d pixels", w, h, limits.MaxPixels))
	}
	if w == bounds.Dx() && h == bounds.Dy() {
		return Encode(src)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return Encode(dst)
}

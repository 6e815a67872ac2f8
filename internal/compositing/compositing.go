// Package compositing carves an editable hole out of a scene image and renders the matching mask.
package compositing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
)

// DefaultPadding expands a region on every side, in normalized units.
const DefaultPadding = 0.08

// Region is a placement box in [0,1] coordinates relative to the image size.
type Region struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// Valid reports whether all coordinates are finite.
func (r Region) Valid() bool {
	for _, v := range []float64{r.XMin, r.YMin, r.XMax, r.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Rounding converts a scaled coordinate to a pixel index.
type Rounding string

const (
	RoundNearest Rounding = "nearest"
	RoundFloor   Rounding = "floor"
	RoundCeil    Rounding = "ceil"
)

func (r Rounding) apply(v float64) int {
	switch r {
	case RoundFloor:
		return int(math.Floor(v))
	case RoundCeil:
		return int(math.Ceil(v))
	default:
		return int(math.Round(v))
	}
}

// ParseRounding accepts nearest, floor or ceil. Empty means nearest.
func ParseRounding(s string) (Rounding, error) {
	switch Rounding(s) {
	case "", RoundNearest:
		return RoundNearest, nil
	case RoundFloor, RoundCeil:
		return Rounding(s), nil
	}
	return "", fmt.Errorf("unknown rounding %q", s)
}

// Options tune the hole geometry and fill.
type Options struct {
	Padding  float64
	Rounding Rounding
	Fill     color.Color
}

// Result is the composite/mask pair. Both PNGs share Width x Height and
// Hole is the one rectangle both were painted from.
type Result struct {
	Composite []byte
	Mask      []byte
	Width     int
	Height    int
	Hole      image.Rectangle
}

// Engine renders composites. The zero value is not usable; call New.
type Engine struct {
	padding  float64
	rounding Rounding
	fill     *image.Uniform
}

// ErrDecode wraps scene decoding failures.
var ErrDecode = errors.New("decode scene")

func New(opts Options) *Engine {
	fill := opts.Fill
	if fill == nil {
		fill = color.Black
	}
	r, g, b, _ := fill.RGBA()
	rounding := opts.Rounding
	if rounding == "" {
		rounding = RoundNearest
	}
	return &Engine{
		padding:  opts.Padding,
		rounding: rounding,
		// the hole is always opaque, whatever alpha the configured color carries
		fill: image.NewUniform(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}),
	}
}

// Default is an engine with DefaultPadding, nearest rounding and a black fill.
func Default() *Engine {
	return New(Options{Padding: DefaultPadding})
}

// HoleRect pads region, clamps it to [0,1] and scales it to a w x h canvas.
// Inverted or zero-area regions give an empty rectangle.
func (e *Engine) HoleRect(region Region, w, h int) image.Rectangle {
	x0 := clamp01(region.XMin - e.padding)
	y0 := clamp01(region.YMin - e.padding)
	x1 := clamp01(region.XMax + e.padding)
	y1 := clamp01(region.YMax + e.padding)

	rect := image.Rectangle{
		Min: image.Point{X: e.rounding.apply(x0 * float64(w)), Y: e.rounding.apply(y0 * float64(h))},
		Max: image.Point{X: e.rounding.apply(x1 * float64(w)), Y: e.rounding.apply(y1 * float64(h))},
	}
	if rect.Empty() {
		return image.Rectangle{}
	}
	return rect.Intersect(image.Rect(0, 0, w, h))
}

// Composite decodes a PNG or JPEG scene and renders the composite and mask for region.
func (e *Engine) Composite(ctx context.Context, scene io.Reader, region Region) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(scene)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Render(img, region)
}

// Render is Composite for an already decoded scene.
func (e *Engine) Render(img image.Image, region Region) (*Result, error) {
	if !region.Valid() {
		return nil, fmt.Errorf("region has non-finite coordinates: %+v", region)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	hole := e.HoleRect(region, w, h)

	composite := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(composite, composite.Bounds(), img, b.Min, draw.Src)
	draw.Draw(composite, hole, e.fill, image.Point{}, draw.Src)

	mask := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(mask, mask.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(mask, hole, image.White, image.Point{}, draw.Src)

	compositePNG, err := encodePNG(composite)
	if err != nil {
		return nil, fmt.Errorf("encode composite: %w", err)
	}
	maskPNG, err := encodePNG(mask)
	if err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return &Result{
		Composite: compositePNG,
		Mask:      maskPNG,
		Width:     w,
		Height:    h,
		Hole:      hole,
	}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

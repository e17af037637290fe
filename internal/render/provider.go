/**
 * Page rasterization
 *
 * A Provider turns a page source into pixels plus a mapping from the
 * source's document space into raster space. Rasters stay in memory and are
 * never written anywhere except the recognition engine's scratch directory.
 */

package render

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Raster is one rendered page
type Raster struct {
	Image *image.RGBA
	// Mapping converts document-space rects into raster pixel space
	Mapping layout.Mapping
	Scale   float64
	// DocWidth and DocHeight are the page size in document space
	DocWidth  float64
	DocHeight float64
}

// Width returns the raster width in pixels
func (r *Raster) Width() float64 { return float64(r.Image.Bounds().Dx()) }

// Height returns the raster height in pixels
func (r *Raster) Height() float64 { return float64(r.Image.Bounds().Dy()) }

// Provider rasterizes page sources
type Provider interface {
	Rasterize(ctx context.Context, source string, scale float64) (*Raster, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, source string, scale float64) (*Raster, error)

// Rasterize calls f
func (f ProviderFunc) Rasterize(ctx context.Context, source string, scale float64) (*Raster, error) {
	return f(ctx, source, scale)
}

// ImageProvider rasterizes image files (PNG, JPEG, GIF, TIFF, BMP, WebP).
// Document space is the source image's own pixel grid.
type ImageProvider struct {
	Interpolator xdraw.Interpolator
}

// NewImageProvider returns a provider scaling with Catmull-Rom
func NewImageProvider() *ImageProvider {
	return &ImageProvider{Interpolator: xdraw.CatmullRom}
}

// Rasterize decodes source and scales it by scale
func (p *ImageProvider) Rasterize(ctx context.Context, source string, scale float64) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open page source: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode page source: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("page source %s has no pixels", source)
	}
	return FromImage(img, scale, p.Interpolator), nil
}

// FromImage builds a raster by scaling img. A nil interpolator picks
// approximate bilinear. img must not be empty.
func FromImage(img image.Image, scale float64, interp xdraw.Interpolator) *Raster {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	if interp == nil {
		interp = xdraw.ApproxBiLinear
	}
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	} else {
		interp.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	}

	sx := float64(w) / float64(b.Dx())
	sy := float64(h) / float64(b.Dy())
	return &Raster{
		Image:     dst,
		Mapping:   ScaleMapping(sx, sy),
		Scale:     scale,
		DocWidth:  float64(b.Dx()),
		DocHeight: float64(b.Dy()),
	}
}

// ScaleMapping maps document rects by independent x and y factors
func ScaleMapping(sx, sy float64) layout.Mapping {
	return func(r layout.Rect) layout.Rect {
		return layout.Rect{X: r.X * sx, Y: r.Y * sy, Width: r.Width * sx, Height: r.Height * sy}
	}
}

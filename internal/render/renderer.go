package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	xdraw "golang.org/x/image/draw"
)

// ErrNoCanvas is returned when the provider yields no pixel buffer
var ErrNoCanvas = errors.New("rasterization produced no canvas")

// Quality selects the render scale and recognition effort
type Quality string

const (
	QualityFast         Quality = "fast"
	QualityHighAccuracy Quality = "high_accuracy"
)

// ParseQuality validates a quality string; empty means fast
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "":
		return QualityFast, nil
	case QualityFast, QualityHighAccuracy:
		return Quality(s), nil
	}
	return "", fmt.Errorf("unknown quality mode %q", s)
}

// Renderer picks a scale per quality mode and bounds the raster size
type Renderer struct {
	Provider      Provider
	ScaleFast     float64
	ScaleAccurate float64
	// MaxPixels caps width*height; larger rasters are downscaled. Zero disables the cap.
	MaxPixels int
}

// NewRenderer returns a renderer with default scales
func NewRenderer(p Provider) *Renderer {
	return &Renderer{
		Provider:      p,
		ScaleFast:     1.5,
		ScaleAccurate: 2.0,
		MaxPixels:     40_000_000,
	}
}

// ScaleFor returns the scale used for quality q, preferring a positive override
func (r *Renderer) ScaleFor(q Quality, override float64) float64 {
	if override > 0 && !math.IsInf(override, 0) {
		return override
	}
	if q == QualityHighAccuracy {
		return r.ScaleAccurate
	}
	return r.ScaleFast
}

// Render rasterizes one page source
func (r *Renderer) Render(ctx context.Context, source string, q Quality, override float64) (*Raster, error) {
	if r.Provider == nil {
		return nil, ErrNoCanvas
	}
	scale := r.ScaleFor(q, override)
	raster, err := r.Provider.Rasterize(ctx, source, scale)
	if err != nil {
		return nil, err
	}
	if raster == nil || raster.Image == nil || raster.Image.Bounds().Empty() {
		return nil, ErrNoCanvas
	}
	if raster.Mapping == nil {
		raster.Mapping = identity
	}
	return r.bound(raster), nil
}

// bound downscales rasters above MaxPixels and composes the mapping
func (r *Renderer) bound(raster *Raster) *Raster {
	b := raster.Image.Bounds()
	pixels := b.Dx() * b.Dy()
	if r.MaxPixels <= 0 || pixels <= r.MaxPixels {
		return raster
	}
	f := math.Sqrt(float64(r.MaxPixels) / float64(pixels))
	w := max(1, int(float64(b.Dx())*f))
	h := max(1, int(float64(b.Dy())*f))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), raster.Image, b, xdraw.Src, nil)

	sx := float64(w) / float64(b.Dx())
	sy := float64(h) / float64(b.Dy())
	inner := raster.Mapping
	down := ScaleMapping(sx, sy)
	return &Raster{
		Image:     dst,
		Mapping:   func(rc layout.Rect) layout.Rect { return down(inner(rc)) },
		Scale:     raster.Scale * f,
		DocWidth:  raster.DocWidth,
		DocHeight: raster.DocHeight,
	}
}

func identity(r layout.Rect) layout.Rect { return r }

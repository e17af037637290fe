package masking

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
)

// Apply returns a fresh RGBA copy of src with every rect filled with fill.
// src itself is never written to.
func Apply(src image.Image, rects []layout.Rect, fill color.Color) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	Fill(dst, rects, fill)
	return dst
}

// Fill paints rects onto dst in place. Callers own dst.
func Fill(dst *image.RGBA, rects []layout.Rect, fill color.Color) {
	u := &image.Uniform{C: fill}
	for _, r := range rects {
		r = layout.Normalize(r)
		ir := image.Rect(
			int(math.Floor(r.X)), int(math.Floor(r.Y)),
			int(math.Ceil(r.Right())), int(math.Ceil(r.Bottom())),
		).Intersect(dst.Bounds())
		if ir.Empty() {
			continue
		}
		draw.Draw(dst, ir, u, image.Point{}, draw.Src)
	}
}

// Background estimates the page background colour as the per-channel median
// of samples taken along the image border. Empty images yield white.
func Background(img image.Image) color.RGBA {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	if img == nil {
		return white
	}
	b := img.Bounds()
	if b.Empty() {
		return white
	}

	step := max(1, max(b.Dx(), b.Dy())/64)
	var rs, gs, bs []uint8
	add := func(x, y int) {
		c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
		rs, gs, bs = append(rs, c.R), append(gs, c.G), append(bs, c.B)
	}
	for x := b.Min.X; x < b.Max.X; x += step {
		add(x, b.Min.Y)
		add(x, b.Max.Y-1)
	}
	for y := b.Min.Y; y < b.Max.Y; y += step {
		add(b.Min.X, y)
		add(b.Max.X-1, y)
	}
	return color.RGBA{R: median(rs), G: median(gs), B: median(bs), A: 255}
}

func median(v []uint8) uint8 {
	if len(v) == 0 {
		return 255
	}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	return v[len(v)/2]
}

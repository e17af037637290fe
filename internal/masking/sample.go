package masking

import (
	"fmt"
	"image"
	"math"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/lucasb-eyer/go-colorful"
	xdraw "golang.org/x/image/draw"
)

// Stats are the pixel statistics of a downsampled region
type Stats struct {
	Colorfulness float64 `json:"colorfulness"`
	WhiteRatio   float64 `json:"whiteRatio"`
	DarkRatio    float64 `json:"darkRatio"`
	MidRatio     float64 `json:"midRatio"`
}

// Sample downsamples region r of img to a size x size buffer and computes
// colorfulness (mean absolute channel difference), white, dark and mid-tone
// ratios. It fails when the region does not intersect the image.
func Sample(img image.Image, r layout.Rect, size int, th Thresholds) (Stats, error) {
	if img == nil {
		return Stats{}, fmt.Errorf("no raster to sample")
	}
	if size <= 0 {
		size = 64
	}
	r = layout.Normalize(r)
	src := image.Rect(
		int(math.Floor(r.X)), int(math.Floor(r.Y)),
		int(math.Ceil(r.Right())), int(math.Ceil(r.Bottom())),
	).Intersect(img.Bounds())
	if src.Empty() {
		return Stats{}, fmt.Errorf("region %v outside raster bounds %v", r, img.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, xdraw.Src, nil)

	var colorSum float64
	var white, dark, counted int
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c, ok := colorful.MakeColor(dst.At(x, y))
			if !ok {
				continue
			}
			counted++
			colorSum += (math.Abs(c.R-c.G) + math.Abs(c.G-c.B) + math.Abs(c.B-c.R)) / 3
			luma := 0.299*c.R + 0.587*c.G + 0.114*c.B
			switch {
			case luma >= th.WhiteLuma:
				white++
			case luma <= th.DarkLuma:
				dark++
			}
		}
	}
	if counted == 0 {
		return Stats{}, fmt.Errorf("region %v is fully transparent", r)
	}

	n := float64(counted)
	s := Stats{
		Colorfulness: colorSum / n,
		WhiteRatio:   float64(white) / n,
		DarkRatio:    float64(dark) / n,
	}
	s.MidRatio = math.Max(0, 1-s.WhiteRatio-s.DarkRatio)
	return s, nil
}

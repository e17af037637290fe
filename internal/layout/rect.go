/**
 * Geometry primitives for page layout analysis
 *
 * All coordinates are page-relative pixel space with the origin in the
 * upper-left corner of the rendered page.
 */

package layout

import "math"

// Kind tags a region with its content class
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Rect is an axis-aligned rectangle. Width and Height are never negative
// once passed through Normalize.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Region is a rectangle tagged as text or image content
type Region struct {
	Rect Rect `json:"rect"`
	Kind Kind `json:"kind"`
}

// Right returns the right edge X coordinate
func (r Rect) Right() float64 { return r.X + r.Width }

// Bottom returns the bottom edge Y coordinate
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// CenterX returns the horizontal center
func (r Rect) CenterX() float64 { return r.X + r.Width/2 }

// CenterY returns the vertical center
func (r Rect) CenterY() float64 { return r.Y + r.Height/2 }

// Area returns width * height
func (r Rect) Area() float64 { return r.Width * r.Height }

// IsEmpty reports whether the rect has no area
func (r Rect) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Box returns the audit form [x, y, x2, y2]
func (r Rect) Box() [4]float64 {
	return [4]float64{r.X, r.Y, r.Right(), r.Bottom()}
}

// Intersects reports whether two rects share positive area
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.Right() && o.X < r.Right() && r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Touches reports whether two rects overlap or lie within gap of each other
func (r Rect) Touches(o Rect, gap float64) bool {
	return r.X <= o.Right()+gap && o.X <= r.Right()+gap &&
		r.Y <= o.Bottom()+gap && o.Y <= r.Bottom()+gap
}

// Intersection returns the overlapping rect, or the zero Rect
func (r Rect) Intersection(o Rect) Rect {
	if !r.Intersects(o) {
		return Rect{}
	}
	x := math.Max(r.X, o.X)
	y := math.Max(r.Y, o.Y)
	return Rect{
		X:      x,
		Y:      y,
		Width:  math.Min(r.Right(), o.Right()) - x,
		Height: math.Min(r.Bottom(), o.Bottom()) - y,
	}
}

// Union returns the bounding rect of both
func (r Rect) Union(o Rect) Rect {
	x := math.Min(r.X, o.X)
	y := math.Min(r.Y, o.Y)
	return Rect{
		X:      x,
		Y:      y,
		Width:  math.Max(r.Right(), o.Right()) - x,
		Height: math.Max(r.Bottom(), o.Bottom()) - y,
	}
}

// OverlapFraction returns the share of r's area covered by o
func (r Rect) OverlapFraction(o Rect) float64 {
	a := r.Area()
	if a <= 0 {
		return 0
	}
	return r.Intersection(o).Area() / a
}

// Normalize reorders coordinates so width and height are non-negative.
// A negative extent flips the origin to the opposite edge. NaN and infinite
// values collapse to zero.
func Normalize(r Rect) Rect {
	r.X, r.Y = finite(r.X), finite(r.Y)
	r.Width, r.Height = finite(r.Width), finite(r.Height)
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

// Clamp restricts r to the canvas [0,w]x[0,h]
func Clamp(r Rect, w, h float64) Rect {
	r = Normalize(r)
	x1 := clamp(r.X, 0, w)
	y1 := clamp(r.Y, 0, h)
	x2 := clamp(r.Right(), 0, w)
	y2 := clamp(r.Bottom(), 0, h)
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Expand grows r by margin on every side and clamps it to the canvas
func Expand(r Rect, margin, w, h float64) Rect {
	r = Normalize(r)
	return Clamp(Rect{
		X:      r.X - margin,
		Y:      r.Y - margin,
		Width:  r.Width + 2*margin,
		Height: r.Height + 2*margin,
	}, w, h)
}

// Bounds returns the bounding rect of all rects, false when empty
func Bounds(rects []Rect) (Rect, bool) {
	if len(rects) == 0 {
		return Rect{}, false
	}
	b := rects[0]
	for _, r := range rects[1:] {
		b = b.Union(r)
	}
	return b, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

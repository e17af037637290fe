/**
 * Diagram Skip Detector
 *
 * Flags large figure regions that sit on one side of a page with almost no
 * native text inside them. Procedure-report tree diagrams look like this and
 * recognize as noise, so they are cut out of the recognition input.
 */

package diagram

import "github.com/adverant/nexus/docprep-worker/internal/layout"

// ReasonTreeDiagram tags skip regions found by Detect
const ReasonTreeDiagram = "provation_tree_diagram"

// SkipRegion is a page area omitted from recognition
type SkipRegion struct {
	Rect   layout.Rect `json:"rect"`
	Reason string      `json:"reason"`
}

// Config holds the detector heuristics
type Config struct {
	MinAreaRatio   float64
	LeftMaxRatio   float64
	RightMinRatio  float64
	MaxTextDensity float64
	MinNativeChars int
}

// DefaultConfig returns the default detector heuristics
func DefaultConfig() Config {
	return Config{
		MinAreaRatio:   0.06,
		LeftMaxRatio:   0.40,
		RightMinRatio:  0.60,
		MaxTextDensity: 0.08,
		MinNativeChars: 1,
	}
}

// Input is one page in pixel space
type Input struct {
	ImageRegions    []layout.Rect
	TextRegions     []layout.Rect
	Width           float64
	Height          float64
	NativeCharCount int
}

// Detect returns the skip regions for a page, or nil
func Detect(in Input, cfg Config) []SkipRegion {
	pageArea := in.Width * in.Height
	if pageArea <= 0 || in.NativeCharCount < cfg.MinNativeChars {
		return nil
	}

	var large []layout.Rect
	var weighted, total float64
	for _, r := range in.ImageRegions {
		r = layout.Clamp(r, in.Width, in.Height)
		a := r.Area()
		if a/pageArea < cfg.MinAreaRatio {
			continue
		}
		large = append(large, r)
		weighted += r.CenterX() * a
		total += a
	}
	if len(large) == 0 {
		return nil
	}

	cx := weighted / total
	if cx >= cfg.LeftMaxRatio*in.Width && cx <= cfg.RightMinRatio*in.Width {
		return nil
	}

	var out []SkipRegion
	for _, r := range large {
		if TextDensity(r, in.TextRegions) < cfg.MaxTextDensity {
			out = append(out, SkipRegion{Rect: r, Reason: ReasonTreeDiagram})
		}
	}
	return out
}

// TextDensity is the text-region area overlapping r divided by r's area
func TextDensity(r layout.Rect, text []layout.Rect) float64 {
	a := r.Area()
	if a <= 0 {
		return 0
	}
	var covered float64
	for _, t := range layout.Merge(text, 0) {
		covered += r.Intersection(t).Area()
	}
	return covered / a
}

// Rects returns the skip rectangles
func Rects(skips []SkipRegion) []layout.Rect {
	out := make([]layout.Rect, 0, len(skips))
	for _, s := range skips {
		out = append(out, s.Rect)
	}
	return out
}

// Without drops the rects that are mostly covered by a skip region
func Without(rects []layout.Rect, skips []SkipRegion) []layout.Rect {
	if len(skips) == 0 {
		return rects
	}
	out := make([]layout.Rect, 0, len(rects))
	for _, r := range rects {
		skipped := false
		for _, s := range skips {
			if r.OverlapFraction(s.Rect) >= 0.5 {
				skipped = true
				break
			}
		}
		if !skipped {
			out = append(out, r)
		}
	}
	return out
}

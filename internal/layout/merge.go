package layout

import "sort"

// DefaultMergeGap is the pixel tolerance under which two rects are unioned
const DefaultMergeGap = 3.0

// Merge unions every pair of rects that overlap or lie within gap pixels of
// each other, repeating until no such pair remains. Empty rects are dropped.
// The output is sorted top-to-bottom then left-to-right, so merging an
// already merged set returns it unchanged.
func Merge(rects []Rect, gap float64) []Rect {
	out := make([]Rect, 0, len(rects))
	for _, r := range rects {
		r = Normalize(r)
		if r.IsEmpty() {
			continue
		}
		out = append(out, r)
	}

	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if out[i].Touches(out[j], gap) {
					out[i] = out[i].Union(out[j])
					out = append(out[:j], out[j+1:]...)
					merged = true
					break
				}
			}
		}
	}

	sortRects(out)
	return out
}

// MergeRegions merges the rects of regions of one kind and re-tags them
func MergeRegions(regions []Region, kind Kind, gap float64) []Region {
	rects := make([]Rect, 0, len(regions))
	for _, r := range regions {
		if r.Kind == kind {
			rects = append(rects, r.Rect)
		}
	}
	merged := Merge(rects, gap)
	out := make([]Region, len(merged))
	for i, r := range merged {
		out[i] = Region{Rect: r, Kind: kind}
	}
	return out
}

// CoverageRatio returns merged area divided by page area, clamped to [0,1]
func CoverageRatio(rects []Rect, pageW, pageH float64) float64 {
	page := pageW * pageH
	if page <= 0 {
		return 0
	}
	var area float64
	for _, r := range Merge(rects, 0) {
		area += Clamp(r, pageW, pageH).Area()
	}
	return clamp(area/page, 0, 1)
}

func sortRects(rects []Rect) {
	sort.Slice(rects, func(i, j int) bool {
		if rects[i].Y != rects[j].Y {
			return rects[i].Y < rects[j].Y
		}
		if rects[i].X != rects[j].X {
			return rects[i].X < rects[j].X
		}
		if rects[i].Width != rects[j].Width {
			return rects[i].Width < rects[j].Width
		}
		return rects[i].Height < rects[j].Height
	})
}

package layout

import "sort"

// HeaderConfig controls the header-zone column split
type HeaderConfig struct {
	// BandRatio is the share of page height treated as the header band
	BandRatio float64
	// BandHeight overrides BandRatio with a fixed pixel height when > 0
	BandHeight float64
	// MinSeparationRatio is the minimum gap between cluster centers as a
	// share of page width for the band to be split in two
	MinSeparationRatio float64
}

// DefaultHeaderConfig returns the header band defaults
func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		BandRatio:          0.25,
		MinSeparationRatio: 0.15,
	}
}

// HeaderColumns splits the header band into column rects. Text regions whose
// vertical center falls in the band are clustered by horizontal center on the
// widest gap. Two well separated clusters yield two non-overlapping columns
// spanning the full page width; anything else yields a single column.
func HeaderColumns(textRegions []Rect, pageW, pageH float64, cfg HeaderConfig) []Rect {
	band := cfg.BandHeight
	if band <= 0 {
		band = pageH * cfg.BandRatio
	}
	if band > pageH {
		band = pageH
	}
	single := []Rect{{X: 0, Y: 0, Width: pageW, Height: band}}

	var inBand []Rect
	for _, r := range textRegions {
		r = Normalize(r)
		if r.IsEmpty() || r.CenterY() > band {
			continue
		}
		inBand = append(inBand, r)
	}
	if len(inBand) < 2 {
		return single
	}

	sort.Slice(inBand, func(i, j int) bool { return inBand[i].CenterX() < inBand[j].CenterX() })

	cut, widest := -1, 0.0
	for i := 1; i < len(inBand); i++ {
		if g := inBand[i].CenterX() - inBand[i-1].CenterX(); g > widest {
			widest, cut = g, i
		}
	}
	if cut < 0 || widest < pageW*cfg.MinSeparationRatio {
		return single
	}

	left, right := inBand[:cut], inBand[cut:]
	leftEdge := 0.0
	for _, r := range left {
		if r.Right() > leftEdge {
			leftEdge = r.Right()
		}
	}
	rightEdge := pageW
	for _, r := range right {
		if r.X < rightEdge {
			rightEdge = r.X
		}
	}

	split := (leftEdge + rightEdge) / 2
	if leftEdge > rightEdge {
		split = (left[len(left)-1].CenterX() + right[0].CenterX()) / 2
	}
	if split <= 0 || split >= pageW {
		return single
	}

	return []Rect{
		{X: 0, Y: 0, Width: split, Height: band},
		{X: split, Y: 0, Width: pageW - split, Height: band},
	}
}

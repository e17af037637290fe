/**
 * Crop Strategy
 *
 * Restricts the recognition input to the dominant text column when a page
 * carries a side column of images or captions. Every refusal carries a
 * reason so the decision can be audited next to the page result.
 */

package crop

import (
	"fmt"
	"math"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
)

// Mode selects the crop policy
type Mode string

const (
	ModeOff  Mode = "off"
	ModeAuto Mode = "auto"
	ModeOn   Mode = "on"
)

// ParseMode validates a mode string; empty means auto
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeAuto, nil
	case ModeOff, ModeAuto, ModeOn:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown crop mode %q", s)
}

// Reason explains a crop decision
type Reason string

const (
	ReasonDisabled        Reason = "disabled"
	ReasonLowTextSignal   Reason = "low_text_signal"
	ReasonRightMarginText Reason = "right_margin_text"
	ReasonApplied         Reason = "applied"
	ReasonNotNarrower     Reason = "not_narrower"
)

// Config holds the crop heuristics
type Config struct {
	// MinTextRegions is the number of body text regions needed to trust the geometry
	MinTextRegions int
	// RightMarginRatio is the right-edge tolerance as a share of canvas width
	RightMarginRatio float64
	// Padding is added around the text bounding box, in pixels
	Padding float64
	// MaxWidthRatio caps the candidate width in auto mode
	MaxWidthRatio float64
	// CaptionOverlapRatio is the share of a text region's width that must sit
	// over an image column for it to count as a side caption
	CaptionOverlapRatio float64
}

// DefaultConfig returns the default crop heuristics
func DefaultConfig() Config {
	return Config{
		MinTextRegions:      4,
		RightMarginRatio:    0.07,
		Padding:             24,
		MaxWidthRatio:       0.85,
		CaptionOverlapRatio: 0.5,
	}
}

// Input describes one page in pixel space
type Input struct {
	TextRegions  []layout.Rect
	ImageRegions []layout.Rect
	Width        float64
	Height       float64
	Mode         Mode
}

// Decision is the crop outcome for one page
type Decision struct {
	Rect    *layout.Rect `json:"rect,omitempty"`
	Applied bool         `json:"applied"`
	Reason  Reason       `json:"reason"`
	Box     *[4]float64  `json:"box,omitempty"`
}

// Decide runs the crop policy for one page
func Decide(in Input, cfg Config) Decision {
	if in.Mode == ModeOff {
		return Decision{Reason: ReasonDisabled}
	}
	if in.Width <= 0 || in.Height <= 0 {
		return Decision{Reason: ReasonLowTextSignal}
	}

	images := make([]layout.Rect, 0, len(in.ImageRegions))
	for _, r := range in.ImageRegions {
		if r = layout.Clamp(r, in.Width, in.Height); !r.IsEmpty() {
			images = append(images, r)
		}
	}

	var body, captions []layout.Rect
	for _, r := range in.TextRegions {
		r = layout.Clamp(r, in.Width, in.Height)
		if r.IsEmpty() {
			continue
		}
		if isSideCaption(r, images, cfg.CaptionOverlapRatio) {
			captions = append(captions, r)
			continue
		}
		body = append(body, r)
	}

	if len(body) < cfg.MinTextRegions {
		return Decision{Reason: ReasonLowTextSignal}
	}

	edge := in.Width - cfg.RightMarginRatio*in.Width
	for _, r := range body {
		if r.Right() >= edge {
			return Decision{Reason: ReasonRightMarginText}
		}
	}

	bounds, _ := layout.Bounds(body)
	candidate := layout.Expand(bounds, cfg.Padding, in.Width, in.Height)
	if candidate.IsEmpty() || candidate.Width >= in.Width {
		return Decision{Reason: ReasonNotNarrower}
	}

	if in.Mode != ModeOn {
		if candidate.Width > cfg.MaxWidthRatio*in.Width {
			return Decision{Reason: ReasonNotNarrower}
		}
		if !anyOutside(candidate, images) && !anyOutside(candidate, captions) {
			return Decision{Reason: ReasonNotNarrower}
		}
	}

	box := candidate.Box()
	return Decision{Rect: &candidate, Applied: true, Reason: ReasonApplied, Box: &box}
}

// isSideCaption reports whether most of r's width lies over an image column
func isSideCaption(r layout.Rect, images []layout.Rect, ratio float64) bool {
	if r.Width <= 0 {
		return false
	}
	for _, img := range images {
		overlap := math.Min(r.Right(), img.Right()) - math.Max(r.X, img.X)
		if overlap > 0 && overlap/r.Width >= ratio {
			return true
		}
	}
	return false
}

// anyOutside reports whether some rect has its horizontal center outside c
func anyOutside(c layout.Rect, rects []layout.Rect) bool {
	for _, r := range rects {
		if cx := r.CenterX(); cx < c.X || cx > c.Right() {
			return true
		}
	}
	return false
}

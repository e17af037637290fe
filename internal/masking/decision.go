/**
 * Masking Decision Engine
 *
 * Classifies image regions of a rendered page as photographic or scan-like
 * and decides which ones are redacted before recognition. Under uncertainty
 * the region is left visible unless the operator forced masking on.
 */

package masking

import (
	"fmt"
	"image"
	"sort"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
)

// Mode selects the masking policy
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
	return "", fmt.Errorf("unknown mask mode %q", s)
}

// Reason explains a masking decision
type Reason string

const (
	ReasonPhotoLike         Reason = "photo_like"
	ReasonTextLike          Reason = "text_like"
	ReasonUncertain         Reason = "uncertain"
	ReasonFullPageImage     Reason = "full_page_image"
	ReasonLikelyScanned     Reason = "likely_scanned_page"
	ReasonDisabled          Reason = "disabled"
	ReasonNoImageRegions    Reason = "no_image_regions"
	ReasonRegionsTooSmall   Reason = "regions_too_small"
	ReasonNoPhotoLikeRegion Reason = "no_photo_like_regions"
)

// Thresholds are the empirically tuned classification constants
type Thresholds struct {
	FullPageRatio  float64
	LowNativeChars int
	MinRegionRatio float64
	MaxRegions     int
	SampleSize     int

	WhiteLuma float64
	DarkLuma  float64

	TextColorfulnessMax float64
	TextWhiteMin        float64
	TextWhiteStrong     float64

	PhotoMidMin             float64
	PhotoColorfulnessMin    float64
	PhotoWhiteMax           float64
	PhotoMidSecondary       float64
	PhotoColorfulnessStrong float64
	PhotoWhiteStrongMax     float64
}

// DefaultThresholds returns the default classification constants
func DefaultThresholds() Thresholds {
	return Thresholds{
		FullPageRatio:  0.92,
		LowNativeChars: 40,
		MinRegionRatio: 0.002,
		MaxRegions:     8,
		SampleSize:     64,

		WhiteLuma: 0.90,
		DarkLuma:  0.30,

		TextColorfulnessMax: 0.09,
		TextWhiteMin:        0.72,
		TextWhiteStrong:     0.88,

		PhotoMidMin:             0.55,
		PhotoColorfulnessMin:    0.12,
		PhotoWhiteMax:           0.78,
		PhotoMidSecondary:       0.25,
		PhotoColorfulnessStrong: 0.18,
		PhotoWhiteStrongMax:     0.88,
	}
}

// Decision is the outcome for one image region
type Decision struct {
	Rect      layout.Rect `json:"rect"`
	Mask      bool        `json:"mask"`
	Reason    Reason      `json:"reason"`
	AreaRatio float64     `json:"areaRatio"`
	Stats     *Stats      `json:"stats,omitempty"`
}

// Summary is the page-level masking metadata
type Summary struct {
	Mode        Mode       `json:"mode"`
	Reason      Reason     `json:"reason"`
	Decisions   []Decision `json:"decisions,omitempty"`
	MaskedCount int        `json:"maskedCount"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// Masked returns the rects selected for masking
func (s Summary) Masked() []layout.Rect {
	var out []layout.Rect
	for _, d := range s.Decisions {
		if d.Mask {
			out = append(out, d.Rect)
		}
	}
	return out
}

// Input is everything the engine needs for one page
type Input struct {
	// Regions are merged, margin-expanded image regions in pixel space
	Regions         []layout.Rect
	Page            image.Image
	Width           float64
	Height          float64
	NativeCharCount int
	Mode            Mode
}

// Decide runs the masking policy for one page
func Decide(in Input, th Thresholds) Summary {
	s := Summary{Mode: in.Mode}
	if in.Mode == ModeOff {
		s.Reason = ReasonDisabled
		return s
	}
	if len(in.Regions) == 0 {
		s.Reason = ReasonNoImageRegions
		return s
	}

	w, h := in.Width, in.Height
	if (w <= 0 || h <= 0) && in.Page != nil {
		b := in.Page.Bounds()
		w, h = float64(b.Dx()), float64(b.Dy())
	}
	pageArea := w * h
	if pageArea <= 0 {
		s.Reason = ReasonNoImageRegions
		return s
	}

	ranked := make([]Decision, 0, len(in.Regions))
	for _, r := range in.Regions {
		r = layout.Clamp(r, w, h)
		if r.IsEmpty() {
			continue
		}
		ranked = append(ranked, Decision{Rect: r, AreaRatio: r.Area() / pageArea})
	}
	if len(ranked) == 0 {
		s.Reason = ReasonNoImageRegions
		return s
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].AreaRatio > ranked[j].AreaRatio })

	if ranked[0].AreaRatio >= th.FullPageRatio {
		d := ranked[0]
		d.Reason = ReasonFullPageImage
		if in.NativeCharCount < th.LowNativeChars {
			d.Reason = ReasonLikelyScanned
		}
		s.Reason = d.Reason
		s.Decisions = []Decision{d}
		return s
	}

	for _, d := range ranked {
		if len(s.Decisions) >= th.MaxRegions {
			break
		}
		if d.AreaRatio < th.MinRegionRatio {
			continue
		}
		stats, err := Sample(in.Page, d.Rect, th.SampleSize, th)
		if err != nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("mask sample failed: %v", err))
			d.Reason = ReasonUncertain
		} else {
			d.Stats = &stats
			d.Reason = Classify(stats, th)
		}
		d.Mask = d.Reason == ReasonPhotoLike || (d.Reason == ReasonUncertain && in.Mode == ModeOn)
		if d.Mask {
			s.MaskedCount++
		}
		s.Decisions = append(s.Decisions, d)
	}

	switch {
	case len(s.Decisions) == 0:
		s.Reason = ReasonRegionsTooSmall
	case s.MaskedCount == 0:
		s.Reason = ReasonNoPhotoLikeRegion
	default:
		s.Reason = ReasonPhotoLike
	}
	return s
}

// Classify maps region statistics to text_like, photo_like or uncertain
func Classify(s Stats, th Thresholds) Reason {
	if (s.Colorfulness < th.TextColorfulnessMax && s.WhiteRatio > th.TextWhiteMin) || s.WhiteRatio > th.TextWhiteStrong {
		return ReasonTextLike
	}
	if s.MidRatio > th.PhotoMidMin ||
		(s.Colorfulness > th.PhotoColorfulnessMin && s.WhiteRatio < th.PhotoWhiteMax && s.MidRatio > th.PhotoMidSecondary) ||
		(s.Colorfulness > th.PhotoColorfulnessStrong && s.WhiteRatio < th.PhotoWhiteStrongMax) {
		return ReasonPhotoLike
	}
	return ReasonUncertain
}

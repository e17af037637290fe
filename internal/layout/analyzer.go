/**
 * Layout Analyzer
 *
 * Turns per-page hints (native text/image boxes supplied by the caller or
 * read from the document's text layer) into pixel-space region sets used by
 * the masking, crop and diagram decisions.
 */

package layout

// Hint carries native layout signals for one page. Coordinates are in
// document space; when PageWidth/PageHeight are set they describe that space
// and regions are rescaled to the raster, otherwise the renderer mapping is used.
type Hint struct {
	PageWidth       float64 `json:"pageWidth,omitempty"`
	PageHeight      float64 `json:"pageHeight,omitempty"`
	TextRegions     []Rect  `json:"textRegions,omitempty"`
	ImageRegions    []Rect  `json:"imageRegions,omitempty"`
	NativeCharCount int     `json:"nativeCharCount"`
}

// Mapping converts a document-space rect to pixel space
type Mapping func(Rect) Rect

// PageLayout is the analyzed geometry of one rendered page
type PageLayout struct {
	Width           float64
	Height          float64
	TextRegions     []Rect // mapped and clamped, not merged
	MergedText      []Rect
	ImageRegions    []Rect // merged and margin-expanded
	TextCoverage    float64
	ImageCoverage   float64
	HeaderColumns   []Rect
	NativeCharCount int
}

// Analyzer holds the tolerances used while analyzing pages
type Analyzer struct {
	MergeGap   float64
	MaskMargin float64
	Header     HeaderConfig
}

// NewAnalyzer creates an analyzer with default tolerances
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		MergeGap: DefaultMergeGap,
		Header:   DefaultHeaderConfig(),
	}
}

// Analyze maps hint regions into a width x height raster and derives merged
// region sets, coverage ratios and header columns
func (a *Analyzer) Analyze(hint Hint, width, height float64, mapping Mapping) PageLayout {
	toPixels := a.pixelMapper(hint, width, height, mapping)

	text := make([]Rect, 0, len(hint.TextRegions))
	for _, r := range hint.TextRegions {
		if p := Clamp(toPixels(r), width, height); !p.IsEmpty() {
			text = append(text, p)
		}
	}

	images := make([]Rect, 0, len(hint.ImageRegions))
	for _, r := range Merge(mapAll(hint.ImageRegions, toPixels), a.MergeGap) {
		images = append(images, Expand(r, a.MaskMargin, width, height))
	}
	images = Merge(images, a.MergeGap)

	mergedText := Merge(text, a.MergeGap)

	return PageLayout{
		Width:           width,
		Height:          height,
		TextRegions:     text,
		MergedText:      mergedText,
		ImageRegions:    images,
		TextCoverage:    CoverageRatio(mergedText, width, height),
		ImageCoverage:   CoverageRatio(images, width, height),
		HeaderColumns:   HeaderColumns(text, width, height, a.Header),
		NativeCharCount: hint.NativeCharCount,
	}
}

func (a *Analyzer) pixelMapper(hint Hint, width, height float64, mapping Mapping) Mapping {
	if hint.PageWidth > 0 && hint.PageHeight > 0 {
		sx, sy := width/hint.PageWidth, height/hint.PageHeight
		return func(r Rect) Rect {
			r = Normalize(r)
			return Rect{X: r.X * sx, Y: r.Y * sy, Width: r.Width * sx, Height: r.Height * sy}
		}
	}
	if mapping != nil {
		return func(r Rect) Rect { return Normalize(mapping(Normalize(r))) }
	}
	return Normalize
}

func mapAll(rects []Rect, m Mapping) []Rect {
	out := make([]Rect, len(rects))
	for i, r := range rects {
		out[i] = m(r)
	}
	return out
}

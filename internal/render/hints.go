package render

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/ledongthuc/pdf"
)

// Letter size in points, used when a page has no readable MediaBox
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// PDFHintReader derives layout hints from a PDF's native text layer.
// Hints are in document space (points, origin top-left) with the page size
// attached so the analyzer can rescale them to any raster.
type PDFHintReader struct {
	// WordGap splits a text row where glyphs are further apart than
	// WordGap times the font size
	WordGap float64
}

// NewPDFHintReader returns a reader with default grouping
func NewPDFHintReader() *PDFHintReader {
	return &PDFHintReader{WordGap: 2.0}
}

// ReadHints returns hints keyed by zero-based page index
func (h *PDFHintReader) ReadHints(path string) (map[int]layout.Hint, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	out := make(map[int]layout.Hint, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		hint, err := h.pageHint(page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		out[i-1] = hint
	}
	return out, nil
}

func (h *PDFHintReader) pageHint(page pdf.Page) (hint layout.Hint, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed content stream: %v", r)
		}
	}()

	w, ht := mediaBox(page)
	hint.PageWidth, hint.PageHeight = w, ht

	glyphs := page.Content().Text
	for _, g := range glyphs {
		for _, c := range g.S {
			if !unicode.IsSpace(c) {
				hint.NativeCharCount++
			}
		}
	}
	hint.TextRegions = h.rows(glyphs, ht)
	return hint, nil
}

// rows groups glyphs into horizontal text runs and flips them to a top-left origin
func (h *PDFHintReader) rows(glyphs []pdf.Text, pageH float64) []layout.Rect {
	visible := make([]pdf.Text, 0, len(glyphs))
	for _, g := range glyphs {
		if strings.TrimSpace(g.S) != "" && g.FontSize > 0 {
			visible = append(visible, g)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if math.Abs(visible[i].Y-visible[j].Y) > 0.5 {
			return visible[i].Y > visible[j].Y
		}
		return visible[i].X < visible[j].X
	})

	var out []layout.Rect
	var run layout.Rect
	var runY, runSize float64
	open := false
	flush := func() {
		if open {
			out = append(out, run)
		}
		open = false
	}
	for _, g := range visible {
		top := pageH - g.Y - g.FontSize
		box := layout.Rect{X: g.X, Y: top, Width: math.Max(g.W, 0), Height: g.FontSize}
		sameRow := open && math.Abs(g.Y-runY) <= runSize/2
		if sameRow && g.X-run.Right() <= h.WordGap*runSize {
			run = run.Union(box)
			continue
		}
		flush()
		run, runY, runSize, open = box, g.Y, g.FontSize, true
	}
	flush()
	return layout.Merge(out, 0)
}

func mediaBox(page pdf.Page) (float64, float64) {
	box := page.V.Key("MediaBox")
	if box.IsNull() {
		box = page.V.Key("Parent").Key("MediaBox")
	}
	if box.Kind() != pdf.Array || box.Len() != 4 {
		return defaultPageWidth, defaultPageHeight
	}
	var c [4]float64
	for i := range c {
		v := box.Index(i)
		switch v.Kind() {
		case pdf.Integer:
			c[i] = float64(v.Int64())
		case pdf.Real:
			c[i] = v.Float64()
		default:
			return defaultPageWidth, defaultPageHeight
		}
	}
	w, ht := math.Abs(c[2]-c[0]), math.Abs(c[3]-c[1])
	if w == 0 || ht == 0 {
		return defaultPageWidth, defaultPageHeight
	}
	return w, ht
}

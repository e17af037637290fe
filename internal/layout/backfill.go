package layout

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// LineBox is a recognized or native text line with its geometry
type LineBox struct {
	Rect Rect
	Text string
}

// BackfillConfig controls truncated-line detection
type BackfillConfig struct {
	// EdgeToleranceRatio is how close (share of block width) a line's right
	// edge must sit to the block's maximum right edge to count as truncated
	EdgeToleranceRatio float64
	// Padding is added above and below each band
	Padding float64
	// MinLines is the minimum block size before detection runs
	MinLines int
}

// DefaultBackfillConfig returns the backfill defaults
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		EdgeToleranceRatio: 0.02,
		Padding:            4,
		MinLines:           2,
	}
}

// BackfillBands flags lines whose right edge reaches the block's maximum
// width without terminal punctuation and which are followed by a line that
// reads as a continuation. Each hit yields a full-width band covering the
// fragment and its continuation; overlapping bands are merged.
func BackfillBands(lines []LineBox, pageW, pageH float64, cfg BackfillConfig) []Rect {
	if len(lines) < cfg.MinLines || len(lines) < 2 {
		return nil
	}

	sorted := make([]LineBox, 0, len(lines))
	for _, l := range lines {
		l.Rect = Normalize(l.Rect)
		if l.Rect.IsEmpty() || strings.TrimSpace(l.Text) == "" {
			continue
		}
		sorted = append(sorted, l)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rect.Y < sorted[j].Rect.Y })
	if len(sorted) < 2 {
		return nil
	}

	minX, maxRight := sorted[0].Rect.X, sorted[0].Rect.Right()
	for _, l := range sorted[1:] {
		if l.Rect.X < minX {
			minX = l.Rect.X
		}
		if l.Rect.Right() > maxRight {
			maxRight = l.Rect.Right()
		}
	}
	tol := (maxRight - minX) * cfg.EdgeToleranceRatio
	if tol < 1 {
		tol = 1
	}

	var bands []Rect
	for i := 0; i+1 < len(sorted); i++ {
		cur, next := sorted[i], sorted[i+1]
		if cur.Rect.Right() < maxRight-tol {
			continue
		}
		if endsSentence(cur.Text) || !looksLikeContinuation(next.Text) {
			continue
		}
		top := cur.Rect.Y - cfg.Padding
		bottom := next.Rect.Bottom() + cfg.Padding
		bands = append(bands, Clamp(Rect{X: 0, Y: top, Width: pageW, Height: bottom - top}, pageW, pageH))
	}
	return Merge(bands, 0)
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	r, _ := utf8.DecodeLastRuneInString(text)
	switch r {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

func looksLikeContinuation(text string) bool {
	text = strings.TrimSpace(text)
	r, _ := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError {
		return false
	}
	return unicode.IsLower(r) || unicode.IsDigit(r) || r == ',' || r == ')' || r == '-'
}

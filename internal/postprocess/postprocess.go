/**
 * Post-Processor
 *
 * Turns raw engine lines into the page result: noise filtering, optional
 * caption removal, quality metrics and reading-order composition. When no
 * line survives, the engine's own full-page text is kept instead.
 */

package postprocess

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
)

// WarningRawTextFallback is recorded when page text comes from the raw engine output
const WarningRawTextFallback = "raw_text_fallback"

// Line is a recognized line attributed to a page
type Line struct {
	Text       string      `json:"text"`
	Confidence *float64    `json:"confidence"`
	BBox       layout.Rect `json:"bbox"`
	PageIndex  int         `json:"pageIndex"`
}

// Metrics summarize the quality of a page's text
type Metrics struct {
	CharCount         int      `json:"charCount"`
	AlphaRatio        float64  `json:"alphaRatio"`
	MeanConfidence    *float64 `json:"meanConfidence"`
	LowConfFraction   float64  `json:"lowConfFraction"`
	NumLines          int      `json:"numLines"`
	MedianTokenLength float64  `json:"medianTokenLength"`
}

// Config holds the filter thresholds
type Config struct {
	// LowConfidence is the cutoff below which short lines are noise
	LowConfidence float64
	// MaxNoiseTokenRunes is the longest token length still considered short
	MaxNoiseTokenRunes int
	// DropCaptions removes lines mostly covered by figure regions
	DropCaptions   bool
	CaptionOverlap float64
}

// DefaultConfig returns the default filter thresholds
func DefaultConfig() Config {
	return Config{
		LowConfidence:      30,
		MaxNoiseTokenRunes: 2,
		CaptionOverlap:     0.5,
	}
}

// Result is the processed page
type Result struct {
	Text     string   `json:"text"`
	Lines    []Line   `json:"lines"`
	Metrics  Metrics  `json:"metrics"`
	Warnings []string `json:"warnings,omitempty"`
}

// Geometry is the page layout the post-processor orders lines against
type Geometry struct {
	// Figures are image regions used for caption removal
	Figures []layout.Rect
	// HeaderColumns split the header band; with two or more columns each
	// column's lines are composed as their own block
	HeaderColumns []layout.Rect
}

// Process filters and composes one page of engine output
func Process(pageIndex int, out *recognition.Output, geo Geometry, cfg Config) Result {
	var raw []Line
	rawText := ""
	if out != nil {
		rawText = out.Text
		raw = make([]Line, 0, len(out.Lines))
		for _, l := range out.Lines {
			raw = append(raw, Line{Text: l.Text, Confidence: l.Confidence, BBox: l.BBox, PageIndex: pageIndex})
		}
	}

	lines := Order(Filter(raw, geo.Figures, cfg), geo.HeaderColumns)
	res := Result{Lines: lines}
	if len(lines) == 0 {
		res.Text = CleanText(rawText)
		if res.Text != "" {
			res.Warnings = append(res.Warnings, WarningRawTextFallback)
		}
	} else {
		res.Text = Compose(lines, geo.HeaderColumns)
	}
	res.Metrics = ComputeMetrics(res.Text, lines, cfg)
	return res
}

// Filter drops empty, noisy and optionally caption lines. Surviving lines
// carry normalized text, so filtering a filtered set changes nothing.
func Filter(lines []Line, figures []layout.Rect, cfg Config) []Line {
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		l.Text = normalize(l.Text)
		l.BBox = layout.Normalize(l.BBox)
		if l.Text == "" {
			continue
		}
		if l.Confidence != nil && *l.Confidence < cfg.LowConfidence && longestToken(l.Text) <= cfg.MaxNoiseTokenRunes {
			continue
		}
		if cfg.DropCaptions && overlapsFigure(l.BBox, figures, cfg.CaptionOverlap) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Order sorts lines top-to-bottom then left-to-right. Lines whose vertical
// centers are within half the median line height share a row. Header lines
// inside columns come first, one column at a time.
func Order(lines []Line, columns []layout.Rect) []Line {
	if len(lines) < 2 {
		return lines
	}
	out := make([]Line, 0, len(lines))
	for _, row := range blockRows(lines, columns) {
		out = append(out, row...)
	}
	return out
}

// Compose joins lines into page text, one row per output line
func Compose(lines []Line, columns []layout.Rect) string {
	grouped := blockRows(lines, columns)
	texts := make([]string, 0, len(grouped))
	for _, row := range grouped {
		parts := make([]string, len(row))
		for i, l := range row {
			parts[i] = l.Text
		}
		texts = append(texts, strings.Join(parts, " "))
	}
	return strings.Join(texts, "\n")
}

// blockRows groups header lines per column, then the remaining body lines
func blockRows(lines []Line, columns []layout.Rect) [][]Line {
	if len(columns) < 2 {
		return rows(lines)
	}
	buckets := make([][]Line, len(columns))
	var body []Line
	for _, l := range lines {
		if i := columnOf(l.BBox, columns); i >= 0 {
			buckets[i] = append(buckets[i], l)
			continue
		}
		body = append(body, l)
	}
	var out [][]Line
	for _, b := range buckets {
		out = append(out, rows(b)...)
	}
	return append(out, rows(body)...)
}

func columnOf(r layout.Rect, columns []layout.Rect) int {
	cx, cy := r.CenterX(), r.CenterY()
	for i, c := range columns {
		if cx >= c.X && cx < c.Right() && cy >= c.Y && cy < c.Bottom() {
			return i
		}
	}
	return -1
}

func rows(lines []Line) [][]Line {
	if len(lines) == 0 {
		return nil
	}
	sorted := append([]Line(nil), lines...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BBox.CenterY() < sorted[j].BBox.CenterY() })

	tol := medianHeight(sorted) / 2
	var out [][]Line
	for start := 0; start < len(sorted); {
		rowY := sorted[start].BBox.CenterY()
		end := start + 1
		for end < len(sorted) && sorted[end].BBox.CenterY()-rowY <= tol {
			end++
		}
		row := sorted[start:end]
		sort.SliceStable(row, func(i, j int) bool { return row[i].BBox.X < row[j].BBox.X })
		out = append(out, row)
		start = end
	}
	return out
}

// CleanText collapses whitespace on each line and drops blank lines
func CleanText(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if line = normalize(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// ComputeMetrics measures composed text and the surviving lines
func ComputeMetrics(text string, lines []Line, cfg Config) Metrics {
	m := Metrics{NumLines: len(lines)}

	var alpha int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		m.CharCount++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if m.CharCount > 0 {
		m.AlphaRatio = float64(alpha) / float64(m.CharCount)
	}

	var sum float64
	var scored, low int
	for _, l := range lines {
		if l.Confidence == nil {
			continue
		}
		scored++
		sum += *l.Confidence
		if *l.Confidence < cfg.LowConfidence {
			low++
		}
	}
	if scored > 0 {
		mean := sum / float64(scored)
		m.MeanConfidence = &mean
	}
	if len(lines) > 0 {
		m.LowConfFraction = float64(low) / float64(len(lines))
	}

	tokens := strings.Fields(text)
	if len(tokens) > 0 {
		lengths := make([]float64, len(tokens))
		for i, t := range tokens {
			lengths[i] = float64(utf8.RuneCountInString(t))
		}
		m.MedianTokenLength = median(lengths)
	}
	return m
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func longestToken(s string) int {
	longest := 0
	for _, t := range strings.Fields(s) {
		longest = max(longest, utf8.RuneCountInString(t))
	}
	return longest
}

func overlapsFigure(r layout.Rect, figures []layout.Rect, ratio float64) bool {
	for _, f := range figures {
		if r.OverlapFraction(f) >= ratio {
			return true
		}
	}
	return false
}

func medianHeight(lines []Line) float64 {
	h := make([]float64, 0, len(lines))
	for _, l := range lines {
		h = append(h, l.BBox.Height)
	}
	return median(h)
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

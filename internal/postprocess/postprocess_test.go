package postprocess

import (
	"reflect"
	"testing"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
)

func conf(v float64) *float64 { return &v }

func rawLine(text string, c float64, x, y float64) recognition.Line {
	return recognition.Line{Text: text, Confidence: conf(c), BBox: layout.Rect{X: x, Y: y, Width: 200, Height: 20}}
}

func TestFilterDropsNoise(t *testing.T) {
	lines := []Line{
		{Text: "   ", Confidence: conf(90)},
		{Text: "~ |", Confidence: conf(12)},
		{Text: "Impression: normal", Confidence: conf(12)},
		{Text: "Findings  were   clear", Confidence: conf(88)},
		{Text: "ok", Confidence: nil},
	}
	got := Filter(lines, nil, DefaultConfig())
	if len(got) != 3 {
		t.Fatalf("Filter() kept %d lines: %+v", len(got), got)
	}
	if got[1].Text != "Findings were clear" {
		t.Fatalf("text not normalized: %q", got[1].Text)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	lines := []Line{
		{Text: "Patient  tolerated the procedure", Confidence: conf(91), BBox: layout.Rect{X: 10, Y: 10, Width: 300, Height: 20}},
		{Text: "a", Confidence: conf(5)},
		{Text: "Plan: follow up", Confidence: conf(70), BBox: layout.Rect{X: 10, Y: 40, Width: -100, Height: 20}},
	}
	cfg := DefaultConfig()
	once := Filter(lines, nil, cfg)
	twice := Filter(once, nil, cfg)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("filter not idempotent:\n%+v\n%+v", once, twice)
	}
}

func TestFilterDropsCaptionsWhenEnabled(t *testing.T) {
	figures := []layout.Rect{{X: 600, Y: 100, Width: 300, Height: 300}}
	lines := []Line{
		{Text: "Figure 1: cecum", Confidence: conf(80), BBox: layout.Rect{X: 620, Y: 380, Width: 200, Height: 20}},
		{Text: "Body text", Confidence: conf(80), BBox: layout.Rect{X: 40, Y: 380, Width: 200, Height: 20}},
	}
	cfg := DefaultConfig()
	if got := Filter(lines, figures, cfg); len(got) != 2 {
		t.Fatalf("captions dropped while disabled: %+v", got)
	}
	cfg.DropCaptions = true
	if got := Filter(lines, figures, cfg); len(got) != 1 || got[0].Text != "Body text" {
		t.Fatalf("caption kept: %+v", got)
	}
}

func TestProcessComposesReadingOrder(t *testing.T) {
	out := &recognition.Output{
		Text: "ignored",
		Lines: []recognition.Line{
			rawLine("second row", 90, 40, 60),
			rawLine("right", 90, 500, 12),
			rawLine("left", 90, 40, 10),
		},
	}
	res := Process(2, out, Geometry{}, DefaultConfig())
	if res.Text != "left right\nsecond row" {
		t.Fatalf("Text = %q", res.Text)
	}
	if res.Lines[0].PageIndex != 2 {
		t.Fatalf("page index not attributed")
	}
	if res.Metrics.NumLines != 3 || res.Metrics.MeanConfidence == nil || *res.Metrics.MeanConfidence != 90 {
		t.Fatalf("metrics = %+v", res.Metrics)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestProcessFallsBackToRawText(t *testing.T) {
	out := &recognition.Output{
		Text:  "  Raw   engine\n\n text  ",
		Lines: []recognition.Line{rawLine("#", 3, 0, 0)},
	}
	res := Process(0, out, Geometry{}, DefaultConfig())
	if res.Text != "Raw engine\ntext" {
		t.Fatalf("Text = %q", res.Text)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningRawTextFallback {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	if res.Metrics.CharCount != 13 || res.Metrics.NumLines != 0 {
		t.Fatalf("metrics = %+v", res.Metrics)
	}
}

func TestComputeMetrics(t *testing.T) {
	lines := []Line{{Confidence: conf(20)}, {Confidence: conf(80)}, {Confidence: nil}, {Confidence: conf(50)}}
	m := ComputeMetrics("ab 12 abcd", lines, DefaultConfig())
	if m.CharCount != 8 {
		t.Fatalf("CharCount = %d", m.CharCount)
	}
	if m.AlphaRatio != 0.75 {
		t.Fatalf("AlphaRatio = %v", m.AlphaRatio)
	}
	if m.MeanConfidence == nil || *m.MeanConfidence != 50 {
		t.Fatalf("MeanConfidence = %v", m.MeanConfidence)
	}
	if m.LowConfFraction != 0.25 {
		t.Fatalf("LowConfFraction = %v", m.LowConfFraction)
	}
	if m.MedianTokenLength != 2 {
		t.Fatalf("MedianTokenLength = %v", m.MedianTokenLength)
	}
}

func TestProcessComposesHeaderColumnsSeparately(t *testing.T) {
	cols := []layout.Rect{{X: 0, Y: 0, Width: 600, Height: 300}, {X: 600, Y: 0, Width: 600, Height: 300}}
	out := &recognition.Output{Lines: []recognition.Line{
		rawLine("Patient: Doe", 90, 20, 20),
		rawLine("Date: 2024-01-02", 90, 700, 20),
		rawLine("MRN: 1234", 90, 20, 50),
		rawLine("Physician: Roe", 90, 700, 50),
		rawLine("Body paragraph", 90, 20, 600),
	}}
	res := Process(0, out, Geometry{HeaderColumns: cols}, DefaultConfig())
	want := "Patient: Doe\nMRN: 1234\nDate: 2024-01-02\nPhysician: Roe\nBody paragraph"
	if res.Text != want {
		t.Fatalf("Text = %q, want %q", res.Text, want)
	}
}

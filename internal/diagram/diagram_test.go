package diagram

import (
	"testing"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
)

func TestDetect(t *testing.T) {
	tree := layout.Rect{X: 620, Y: 200, Width: 340, Height: 600}
	body := []layout.Rect{{X: 40, Y: 200, Width: 500, Height: 30}, {X: 40, Y: 240, Width: 480, Height: 30}}

	tests := []struct {
		name  string
		in    Input
		count int
	}{
		{
			name:  "right side tree",
			in:    Input{ImageRegions: []layout.Rect{tree}, TextRegions: body, Width: 1000, Height: 1400, NativeCharCount: 300},
			count: 1,
		},
		{
			name:  "no native text layer",
			in:    Input{ImageRegions: []layout.Rect{tree}, TextRegions: body, Width: 1000, Height: 1400},
			count: 0,
		},
		{
			name:  "centered figure",
			in:    Input{ImageRegions: []layout.Rect{{X: 300, Y: 200, Width: 400, Height: 400}}, Width: 1000, Height: 1400, NativeCharCount: 300},
			count: 0,
		},
		{
			name:  "small figure",
			in:    Input{ImageRegions: []layout.Rect{{X: 800, Y: 200, Width: 100, Height: 100}}, Width: 1000, Height: 1400, NativeCharCount: 300},
			count: 0,
		},
		{
			name: "text dense figure",
			in: Input{
				ImageRegions:    []layout.Rect{tree},
				TextRegions:     []layout.Rect{{X: 620, Y: 200, Width: 340, Height: 100}},
				Width:           1000,
				Height:          1400,
				NativeCharCount: 300,
			},
			count: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.in, DefaultConfig())
			if len(got) != tt.count {
				t.Fatalf("Detect() = %+v, want %d regions", got, tt.count)
			}
			for _, s := range got {
				if s.Reason != ReasonTreeDiagram {
					t.Fatalf("reason = %q", s.Reason)
				}
			}
		})
	}
}

func TestWithout(t *testing.T) {
	skips := []SkipRegion{{Rect: layout.Rect{X: 600, Y: 0, Width: 400, Height: 400}, Reason: ReasonTreeDiagram}}
	rects := []layout.Rect{{X: 610, Y: 10, Width: 100, Height: 100}, {X: 10, Y: 10, Width: 100, Height: 100}}
	got := Without(rects, skips)
	if len(got) != 1 || got[0].X != 10 {
		t.Fatalf("Without() = %+v", got)
	}
}

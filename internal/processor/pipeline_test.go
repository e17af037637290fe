package processor

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"

	"github.com/adverant/nexus/docprep-worker/internal/diagram"
	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/masking"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
	"github.com/adverant/nexus/docprep-worker/internal/render"
)

// capturingEngine records every raster it is given and answers through reply
type capturingEngine struct {
	mu     sync.Mutex
	inputs []image.Image
	reply  func(call int, img image.Image) *recognition.Output
}

func (e *capturingEngine) Open(recognition.Config) (recognition.Handle, error) {
	return &capturingHandle{engine: e}, nil
}

func (e *capturingEngine) seen() []image.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]image.Image(nil), e.inputs...)
}

type capturingHandle struct{ engine *capturingEngine }

func (h *capturingHandle) SupportsBlob() bool { return false }

func (h *capturingHandle) Configure(recognition.Params) error { return nil }

func (h *capturingHandle) Recognize(ctx context.Context, in recognition.Input) (*recognition.Output, error) {
	h.engine.mu.Lock()
	h.engine.inputs = append(h.engine.inputs, in.Raster)
	call := len(h.engine.inputs)
	h.engine.mu.Unlock()
	return h.engine.reply(call, in.Raster), nil
}

func (h *capturingHandle) Close() error { return nil }

func line(text string, x, y, w, hgt float64) recognition.Line {
	c := 92.0
	return recognition.Line{Text: text, Confidence: &c, BBox: layout.Rect{X: x, Y: y, Width: w, Height: hgt}}
}

func oneLine(int, image.Image) *recognition.Output {
	return &recognition.Output{
		Text:  "body text",
		Lines: []recognition.Line{line("body text", 10, 10, 120, 20)},
	}
}

// photoPage is a 1000x800 white page with a mid-gray block at 600..900 x 200..600
func photoPage(ctx context.Context, source string, scale float64) (*render.Raster, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1000, 800))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	draw.Draw(img, image.Rect(600, 200, 900, 600), &image.Uniform{C: gray}, image.Point{}, draw.Src)
	return render.FromImage(img, scale, nil), nil
}

func leftColumn() []layout.Rect {
	return []layout.Rect{
		{X: 50, Y: 100, Width: 400, Height: 40},
		{X: 50, Y: 200, Width: 400, Height: 40},
		{X: 50, Y: 300, Width: 400, Height: 40},
		{X: 50, Y: 400, Width: 400, Height: 40},
	}
}

func runPage(t *testing.T, engine *capturingEngine, opts Options, hint layout.Hint) PageResult {
	t.Helper()
	rec := newRecorder()
	c, err := NewController(ControllerConfig{
		Renderer: render.NewRenderer(render.ProviderFunc(photoPage)),
		Engine:   engine,
		Sink:     rec,
		Settings: DefaultSettings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	opts.Scale = 1
	err = c.Submit(Submission{
		JobID:          1,
		PageSourceRefs: []string{"page"},
		PageIndexes:    []int{0},
		PageHints:      []PageHint{{PageIndex: 0, Hint: hint}},
		Options:        opts,
	})
	if err != nil {
		t.Fatal(err)
	}
	done := rec.wait(t)
	if done.Type != EventDone || len(done.Pages) != 1 {
		t.Fatalf("terminal = %+v", done)
	}
	return done.Pages[0]
}

func isWhite(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func TestEngineReceivesMaskedPhotoRegion(t *testing.T) {
	engine := &capturingEngine{reply: oneLine}
	skip := false
	page := runPage(t, engine, Options{MaskImages: "auto", CropMode: "off", SkipDiagrams: &skip}, layout.Hint{
		PageWidth:       1000,
		PageHeight:      800,
		TextRegions:     leftColumn(),
		ImageRegions:    []layout.Rect{{X: 600, Y: 200, Width: 300, Height: 400}},
		NativeCharCount: 120,
	})

	if page.Masking.Reason != masking.ReasonPhotoLike || page.Masking.MaskedCount != 1 {
		t.Fatalf("masking = %+v", page.Masking)
	}
	inputs := engine.seen()
	if len(inputs) != 1 {
		t.Fatalf("engine calls = %d", len(inputs))
	}
	if b := inputs[0].Bounds(); b.Dx() != 1000 || b.Dy() != 800 {
		t.Fatalf("engine input bounds = %v", b)
	}
	if !isWhite(inputs[0], 750, 400) || !isWhite(inputs[0], 601, 201) {
		t.Fatal("photo pixels reached the engine")
	}
}

func TestEngineReceivesErasedDiagram(t *testing.T) {
	engine := &capturingEngine{reply: oneLine}
	page := runPage(t, engine, Options{MaskImages: "off", CropMode: "off"}, layout.Hint{
		PageWidth:       1000,
		PageHeight:      800,
		TextRegions:     leftColumn(),
		ImageRegions:    []layout.Rect{{X: 600, Y: 200, Width: 300, Height: 400}},
		NativeCharCount: 120,
	})

	if len(page.SkipRegions) != 1 || page.SkipRegions[0].Reason != diagram.ReasonTreeDiagram {
		t.Fatalf("skip regions = %+v", page.SkipRegions)
	}
	if page.Masking.Reason != masking.ReasonDisabled {
		t.Fatalf("masking reason = %s", page.Masking.Reason)
	}
	if in := engine.seen()[0]; !isWhite(in, 750, 400) {
		t.Fatal("diagram pixels reached the engine")
	}
}

func TestEngineReceivesCroppedColumn(t *testing.T) {
	engine := &capturingEngine{reply: oneLine}
	skip := false
	page := runPage(t, engine, Options{MaskImages: "off", CropMode: "on", SkipDiagrams: &skip}, layout.Hint{
		PageWidth:       1000,
		PageHeight:      800,
		TextRegions:     leftColumn(),
		ImageRegions:    []layout.Rect{{X: 600, Y: 200, Width: 300, Height: 400}},
		NativeCharCount: 120,
	})

	if !page.Crop.Applied || page.Crop.Rect == nil {
		t.Fatalf("crop = %+v", page.Crop)
	}
	want := layout.Rect{X: 26, Y: 76, Width: 448, Height: 388}
	if *page.Crop.Rect != want {
		t.Fatalf("crop rect = %+v, want %+v", *page.Crop.Rect, want)
	}
	if b := engine.seen()[0].Bounds(); b.Dx() != 448 || b.Dy() != 388 {
		t.Fatalf("engine input bounds = %v", b)
	}
	if page.Width != 1000 || page.Height != 800 {
		t.Fatalf("page size = %vx%v", page.Width, page.Height)
	}
	if len(page.Lines) != 1 || page.Lines[0].BBox.X != 36 || page.Lines[0].BBox.Y != 86 {
		t.Fatalf("lines not shifted to page space: %+v", page.Lines)
	}
}

func TestBackfillReplacesTruncatedLines(t *testing.T) {
	engine := &capturingEngine{reply: func(call int, img image.Image) *recognition.Output {
		if call == 1 {
			return &recognition.Output{
				Text: "the quick brown fox jumps over\nlazy dog.",
				Lines: []recognition.Line{
					line("the quick brown fox jumps over", 50, 100, 800, 20),
					line("lazy dog.", 50, 130, 200, 20),
				},
			}
		}
		return &recognition.Output{
			Text:  "the quick brown fox jumps over the lazy dog.",
			Lines: []recognition.Line{line("the quick brown fox jumps over the lazy dog.", 50, 6, 900, 20)},
		}
	}}
	skip := false
	page := runPage(t, engine, Options{MaskImages: "off", CropMode: "off", SkipDiagrams: &skip, Backfill: true}, layout.Hint{})

	inputs := engine.seen()
	if len(inputs) != 2 {
		t.Fatalf("engine calls = %d", len(inputs))
	}
	if b := inputs[1].Bounds(); b.Dx() != 1000 || b.Dy() != 58 {
		t.Fatalf("band input bounds = %v", b)
	}
	want := layout.Rect{X: 0, Y: 96, Width: 1000, Height: 58}
	if len(page.BackfillBands) != 1 || page.BackfillBands[0] != want {
		t.Fatalf("bands = %+v", page.BackfillBands)
	}
	if len(page.Lines) != 1 || page.Lines[0].Text != "the quick brown fox jumps over the lazy dog." {
		t.Fatalf("lines = %+v", page.Lines)
	}
	if page.Lines[0].BBox.Y != 102 {
		t.Fatalf("band line y = %v", page.Lines[0].BBox.Y)
	}
}

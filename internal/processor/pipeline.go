/**
 * Page pipeline
 *
 * One page moves through three sub-stages:
 * 1. preprocess: render, layout analysis, diagram skip, masking, crop
 * 2. recognize: engine pass plus optional backfill of missed bands
 * 3. postprocess: filtering, metrics and reading order
 *
 * The job is checked for cancellation or supersession after each of them.
 */

package processor

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"math"

	"github.com/adverant/nexus/docprep-worker/internal/crop"
	"github.com/adverant/nexus/docprep-worker/internal/diagram"
	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/masking"
	"github.com/adverant/nexus/docprep-worker/internal/postprocess"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
	"github.com/adverant/nexus/docprep-worker/internal/render"
)

var errCancelled = errors.New("job cancelled")

// preprocessed is the outcome of the preprocess stage
type preprocessed struct {
	width, height float64
	layout        layout.PageLayout
	skips         []diagram.SkipRegion
	masking       masking.Summary
	crop          crop.Decision
	// work is the masked full page; input is what the engine sees
	work   *image.RGBA
	input  *image.RGBA
	offset image.Point
}

func (c *Controller) processPage(ctx context.Context, t *tracked, p int, hint layout.Hint, log *logging.Logger) (*PageResult, error) {
	j := t.job
	progress := func(stage Stage, v float64) {
		c.emit(t, progressEvent(j.id, p, stage, v))
	}

	// Step 1: preprocess
	progress(StagePreprocess, 0)
	raster, err := c.renderer.Render(ctx, j.source(p), j.opts.quality, j.opts.scale)
	if err != nil {
		return nil, werrors.NewRenderError(j.id, p, err)
	}
	if c.stale(t) {
		return nil, errCancelled
	}
	pre := c.preprocess(j, p, raster, hint, log)
	progress(StagePreprocess, 1)
	if c.stale(t) {
		return nil, errCancelled
	}

	// Step 2: recognize
	progress(StageRecognize, 0)
	req := recognition.Request{
		JobID:     j.id,
		PageIndex: p,
		Config: recognition.Config{
			Language:    j.opts.language,
			PageSegMode: j.opts.psm,
			TempDir:     c.settings.TempDir,
		},
		Params: recognition.Params{HighAccuracy: j.opts.quality == render.QualityHighAccuracy},
		Image:  pre.input,
		OnProgress: func(v float64) {
			progress(StageRecognize, v)
		},
	}
	out, err := c.adapter.Recognize(ctx, req)
	if err != nil {
		return nil, err
	}
	shift(out, pre.offset)
	if c.stale(t) {
		return nil, errCancelled
	}

	var bands []layout.Rect
	if j.opts.backfill {
		bands, err = c.backfill(ctx, req, pre, out, log)
		if err != nil {
			return nil, err
		}
		if c.stale(t) {
			return nil, errCancelled
		}
	}
	progress(StageRecognize, 1)

	// Step 3: postprocess
	progress(StagePostprocess, 0)
	postCfg := c.settings.Post
	postCfg.DropCaptions = j.opts.dropCaptions
	res := postprocess.Process(p, out, postprocess.Geometry{
		Figures:       pre.layout.ImageRegions,
		HeaderColumns: pre.layout.HeaderColumns,
	}, postCfg)
	progress(StagePostprocess, 1)
	if c.stale(t) {
		return nil, errCancelled
	}

	log.Info("Page recognized",
		"chars", res.Metrics.CharCount,
		"lines", res.Metrics.NumLines,
		"masked", pre.masking.MaskedCount,
		"cropped", pre.crop.Applied)

	return &PageResult{
		PageIndex:     p,
		Width:         pre.width,
		Height:        pre.height,
		Text:          res.Text,
		Lines:         res.Lines,
		Metrics:       res.Metrics,
		Warnings:      append(res.Warnings, pre.masking.Warnings...),
		Masking:       pre.masking,
		Crop:          pre.crop,
		SkipRegions:   pre.skips,
		BackfillBands: bands,
		HeaderColumns: pre.layout.HeaderColumns,
	}, nil
}

func (c *Controller) preprocess(j *job, p int, raster *render.Raster, hint layout.Hint, log *logging.Logger) preprocessed {
	w, h := raster.Width(), raster.Height()

	analyzer := c.analyzer
	analyzer.MaskMargin = j.opts.maskMargin
	pl := analyzer.Analyze(hint, w, h, raster.Mapping)

	var skips []diagram.SkipRegion
	if j.opts.skipDiagrams {
		skips = diagram.Detect(diagram.Input{
			ImageRegions:    pl.ImageRegions,
			TextRegions:     pl.TextRegions,
			Width:           w,
			Height:          h,
			NativeCharCount: pl.NativeCharCount,
		}, c.settings.Diagram)
	}

	th := c.settings.Mask
	if j.opts.maxMaskRegions > 0 {
		th.MaxRegions = j.opts.maxMaskRegions
	}
	summary := masking.Decide(masking.Input{
		Regions:         diagram.Without(pl.ImageRegions, skips),
		Page:            raster.Image,
		Width:           w,
		Height:          h,
		NativeCharCount: pl.NativeCharCount,
		Mode:            j.opts.mask,
	}, th)
	for _, warning := range summary.Warnings {
		log.Warn("Mask sampling degraded", "error", werrors.NewMaskSampleError(p, errors.New(warning)))
	}

	cropCfg := c.settings.Crop
	cropCfg.Padding = j.opts.cropPadding
	decision := crop.Decide(crop.Input{
		TextRegions:  pl.TextRegions,
		ImageRegions: pl.ImageRegions,
		Width:        w,
		Height:       h,
		Mode:         j.opts.crop,
	}, cropCfg)

	erase := append(summary.Masked(), diagram.Rects(skips)...)
	work := raster.Image
	if len(erase) > 0 {
		work = masking.Apply(raster.Image, erase, masking.Background(raster.Image))
	}

	pre := preprocessed{
		width:   w,
		height:  h,
		layout:  pl,
		skips:   skips,
		masking: summary,
		crop:    decision,
		work:    work,
		input:   work,
	}
	if decision.Applied && decision.Rect != nil {
		pre.input, pre.offset = cropTo(work, *decision.Rect)
	}

	log.Debug("Preprocessed page",
		"width", w,
		"height", h,
		"mask_reason", summary.Reason,
		"crop_reason", decision.Reason,
		"skipped_diagrams", len(skips))
	return pre
}

// backfill re-recognizes bands the first pass likely missed and replaces the
// lines inside each band that produced text
func (c *Controller) backfill(ctx context.Context, req recognition.Request, pre preprocessed, out *recognition.Output, log *logging.Logger) ([]layout.Rect, error) {
	boxes := make([]layout.LineBox, 0, len(out.Lines))
	for _, l := range out.Lines {
		boxes = append(boxes, layout.LineBox{Rect: l.BBox, Text: l.Text})
	}
	bands := layout.BackfillBands(boxes, pre.width, pre.height, c.settings.Backfill)

	for _, band := range bands {
		img, off := cropTo(pre.work, band)
		if img.Bounds().Empty() {
			continue
		}
		r := req
		r.Image = img
		r.OnProgress = nil
		bout, err := c.adapter.Recognize(ctx, r)
		if err != nil {
			return bands, err
		}
		shift(bout, off)
		if len(bout.Lines) == 0 {
			continue
		}
		out.Lines = replaceInBand(out.Lines, bout.Lines, band)
		log.Debug("Backfilled band", "band", band.Box(), "lines", len(bout.Lines))
	}
	return bands, nil
}

// replaceInBand drops lines centered inside band and appends the band's lines
func replaceInBand(lines, fill []recognition.Line, band layout.Rect) []recognition.Line {
	out := make([]recognition.Line, 0, len(lines)+len(fill))
	for _, l := range lines {
		cx, cy := l.BBox.CenterX(), l.BBox.CenterY()
		if cx >= band.X && cx < band.Right() && cy >= band.Y && cy < band.Bottom() {
			continue
		}
		out = append(out, l)
	}
	return append(out, fill...)
}

// cropTo copies r out of img and returns it with its origin in img
func cropTo(img *image.RGBA, r layout.Rect) (*image.RGBA, image.Point) {
	ir := image.Rect(
		int(math.Floor(r.X)), int(math.Floor(r.Y)),
		int(math.Ceil(r.Right())), int(math.Ceil(r.Bottom())),
	).Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, ir.Dx(), ir.Dy()))
	draw.Draw(dst, dst.Bounds(), img, ir.Min, draw.Src)
	return dst, ir.Min
}

// shift moves line boxes from crop space back to page space
func shift(out *recognition.Output, off image.Point) {
	if out == nil || off == (image.Point{}) {
		return
	}
	for i := range out.Lines {
		out.Lines[i].BBox.X += float64(off.X)
		out.Lines[i].BBox.Y += float64(off.Y)
	}
}

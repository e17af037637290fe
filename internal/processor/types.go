/**
 * Job and result types for the page OCR pipeline
 *
 * Submissions arrive as JSON (queue task or CLI). Every option is validated
 * before any stage runs; an invalid submission never reaches the worker.
 */

package processor

import (
	"fmt"
	"sort"

	"github.com/adverant/nexus/docprep-worker/internal/crop"
	"github.com/adverant/nexus/docprep-worker/internal/diagram"
	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/masking"
	"github.com/adverant/nexus/docprep-worker/internal/postprocess"
	"github.com/adverant/nexus/docprep-worker/internal/render"
)

// DefaultPageSegMode is Tesseract's fully automatic segmentation
const DefaultPageSegMode = 3

// Submission is a job request
type Submission struct {
	JobID          int64      `json:"jobId"`
	PageSourceRefs []string   `json:"pageSourceRefs"`
	DocumentRef    string     `json:"documentRef,omitempty"`
	PageIndexes    []int      `json:"pageIndexes"`
	PageHints      []PageHint `json:"pageHints,omitempty"`
	Options        Options    `json:"options"`
}

// PageHint attaches native layout signals to a page index
type PageHint struct {
	PageIndex int `json:"pageIndex"`
	layout.Hint
}

// Options tune one job. Pointer fields distinguish unset from zero.
type Options struct {
	Language             string   `json:"language,omitempty"`
	QualityMode          string   `json:"qualityMode,omitempty"`
	Scale                float64  `json:"scale,omitempty"`
	PageSegmentationMode *int     `json:"pageSegmentationMode,omitempty"`
	MaskImages           string   `json:"maskImages,omitempty"`
	MaskMarginPx         *float64 `json:"maskMarginPx,omitempty"`
	MaxMaskRegions       int      `json:"maxMaskRegions,omitempty"`
	CropMode             string   `json:"cropMode,omitempty"`
	CropPaddingPx        *float64 `json:"cropPaddingPx,omitempty"`
	SkipDiagrams         *bool    `json:"skipDiagrams,omitempty"`
	DropFigureCaptions   bool     `json:"dropFigureCaptions,omitempty"`
	Backfill             bool     `json:"backfill,omitempty"`
}

// Cancellation requests that a job stop
type Cancellation struct {
	JobID int64 `json:"jobId"`
}

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusDone      Status = "done"
	StatusErrored   Status = "errored"
)

// Terminal reports whether s is a final state
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDone || s == StatusErrored
}

// PageResult is the outcome of one page
type PageResult struct {
	PageIndex     int                  `json:"pageIndex"`
	Width         float64              `json:"width"`
	Height        float64              `json:"height"`
	Text          string               `json:"text"`
	Lines         []postprocess.Line   `json:"lines"`
	Metrics       postprocess.Metrics  `json:"metrics"`
	Warnings      []string             `json:"warnings,omitempty"`
	Masking       masking.Summary      `json:"masking"`
	Crop          crop.Decision        `json:"crop"`
	SkipRegions   []diagram.SkipRegion `json:"skipRegions,omitempty"`
	BackfillBands []layout.Rect        `json:"backfillBands,omitempty"`
	HeaderColumns []layout.Rect        `json:"headerColumns,omitempty"`
}

// jobOptions are validated, defaulted options
type jobOptions struct {
	language       string
	quality        render.Quality
	scale          float64
	psm            int
	mask           masking.Mode
	maskMargin     float64
	maxMaskRegions int
	crop           crop.Mode
	cropPadding    float64
	skipDiagrams   bool
	dropCaptions   bool
	backfill       bool
}

// job is a validated submission tracked by the controller
type job struct {
	id      int64
	pages   []int
	sources []string
	docRef  string
	hints   map[int]layout.Hint
	opts    jobOptions
}

// source returns the page source reference for page index p
func (j *job) source(p int) string {
	if p < len(j.sources) {
		return j.sources[p]
	}
	return fmt.Sprintf("%s#page=%d", j.docRef, p)
}

// Defaults fill options the submission leaves unset
type Defaults struct {
	Language    string
	MaskMargin  float64
	CropPadding float64
}

// validate turns a submission into a job or an input error
func validate(sub Submission, d Defaults) (*job, error) {
	if sub.JobID <= 0 {
		return nil, werrors.NewInputError(sub.JobID, "missing job id")
	}
	if len(sub.PageIndexes) == 0 {
		return nil, werrors.NewInputError(sub.JobID, "empty page list")
	}

	seen := make(map[int]bool, len(sub.PageIndexes))
	pages := make([]int, 0, len(sub.PageIndexes))
	for _, p := range sub.PageIndexes {
		if p < 0 {
			return nil, werrors.NewInputError(sub.JobID, fmt.Sprintf("negative page index %d", p))
		}
		if !seen[p] {
			seen[p] = true
			pages = append(pages, p)
		}
	}
	sort.Ints(pages)
	if sub.DocumentRef == "" {
		for _, p := range pages {
			if p >= len(sub.PageSourceRefs) || sub.PageSourceRefs[p] == "" {
				return nil, werrors.NewInputError(sub.JobID, fmt.Sprintf("no page source for page %d", p))
			}
		}
	}

	opts, err := resolveOptions(sub.Options, d)
	if err != nil {
		return nil, werrors.NewInputError(sub.JobID, err.Error())
	}

	hints := make(map[int]layout.Hint, len(sub.PageHints))
	for _, h := range sub.PageHints {
		hints[h.PageIndex] = h.Hint
	}

	return &job{
		id:      sub.JobID,
		pages:   pages,
		sources: sub.PageSourceRefs,
		docRef:  sub.DocumentRef,
		hints:   hints,
		opts:    opts,
	}, nil
}

func resolveOptions(o Options, d Defaults) (jobOptions, error) {
	var out jobOptions
	var err error
	if out.quality, err = render.ParseQuality(o.QualityMode); err != nil {
		return out, err
	}
	if out.mask, err = masking.ParseMode(o.MaskImages); err != nil {
		return out, err
	}
	if out.crop, err = crop.ParseMode(o.CropMode); err != nil {
		return out, err
	}
	if o.Scale < 0 {
		return out, fmt.Errorf("scale must be positive, got %v", o.Scale)
	}
	if o.MaxMaskRegions < 0 {
		return out, fmt.Errorf("maxMaskRegions must not be negative")
	}

	out.language = o.Language
	if out.language == "" {
		out.language = d.Language
	}
	out.scale = o.Scale
	out.psm = DefaultPageSegMode
	if o.PageSegmentationMode != nil {
		if *o.PageSegmentationMode < 0 || *o.PageSegmentationMode > 13 {
			return out, fmt.Errorf("pageSegmentationMode %d out of range", *o.PageSegmentationMode)
		}
		out.psm = *o.PageSegmentationMode
	}
	out.maskMargin = d.MaskMargin
	if o.MaskMarginPx != nil {
		if *o.MaskMarginPx < 0 {
			return out, fmt.Errorf("maskMarginPx must not be negative")
		}
		out.maskMargin = *o.MaskMarginPx
	}
	out.maxMaskRegions = o.MaxMaskRegions
	out.cropPadding = d.CropPadding
	if o.CropPaddingPx != nil {
		if *o.CropPaddingPx < 0 {
			return out, fmt.Errorf("cropPaddingPx must not be negative")
		}
		out.cropPadding = *o.CropPaddingPx
	}
	out.skipDiagrams = o.SkipDiagrams == nil || *o.SkipDiagrams
	out.dropCaptions = o.DropFigureCaptions
	out.backfill = o.Backfill
	return out, nil
}

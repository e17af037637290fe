package recognition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
)

// Request is one page handed to the adapter
type Request struct {
	JobID      int64
	PageIndex  int
	Config     Config
	Params     Params
	Image      image.Image
	OnProgress func(float64)
}

// Adapter owns a single engine handle and rebuilds it when the key changes.
// It must only be used from one goroutine.
type Adapter struct {
	engine Engine
	logger *logging.Logger

	handle Handle
	key    Key
	opens  int
}

// NewAdapter creates an adapter over engine
func NewAdapter(engine Engine, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.NewLogger("recognition")
	}
	return &Adapter{engine: engine, logger: logger}
}

// Opens reports how many handles have been opened
func (a *Adapter) Opens() int { return a.opens }

// Recognize runs one page, preferring blob input and falling back to the raster
func (a *Adapter) Recognize(ctx context.Context, req Request) (*Output, error) {
	h, err := a.acquire(req.Config)
	if err != nil {
		return nil, werrors.NewRecognitionError(req.JobID, req.PageIndex, 0, fmt.Errorf("open engine: %w", err))
	}
	if err := h.Configure(req.Params); err != nil {
		return nil, werrors.NewRecognitionError(req.JobID, req.PageIndex, 0, fmt.Errorf("configure engine: %w", err))
	}

	progress := monotonic(req.OnProgress)
	raster := Input{Raster: req.Image, OnProgress: progress}
	first := raster
	usedBlob := false
	if supportsBlob(h) {
		blob, err := encodePNG(req.Image)
		if err == nil {
			first = Input{Blob: blob, OnProgress: progress}
			usedBlob = true
		} else {
			a.logger.Warn("Blob encoding failed, using raster input", "page", req.PageIndex, "error", err)
		}
	}

	out, err := h.Recognize(ctx, first)
	if err == nil {
		return out, nil
	}
	if !usedBlob || !errors.Is(err, ErrUnsupportedInput) {
		return nil, werrors.NewRecognitionError(req.JobID, req.PageIndex, 1, err)
	}

	a.logger.Warn("Blob input rejected, retrying with raster", "page", req.PageIndex, "error", err)
	out, err = h.Recognize(ctx, raster)
	if err != nil {
		return nil, werrors.NewRecognitionError(req.JobID, req.PageIndex, 2, err)
	}
	return out, nil
}

// Close terminates the current handle
func (a *Adapter) Close() error {
	if a.handle == nil {
		return nil
	}
	err := a.handle.Close()
	a.handle = nil
	return err
}

func (a *Adapter) acquire(cfg Config) (Handle, error) {
	if a.handle != nil && a.key == cfg.Key() {
		return a.handle, nil
	}
	if a.handle != nil {
		a.logger.Info("Engine key changed, rebuilding handle",
			"old_language", a.key.Language, "old_psm", a.key.PageSegMode,
			"language", cfg.Language, "psm", cfg.PageSegMode)
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close engine handle", "error", err)
		}
	}
	h, err := a.engine.Open(cfg)
	if err != nil {
		return nil, err
	}
	a.handle, a.key = h, cfg.Key()
	a.opens++
	return h, nil
}

func supportsBlob(h Handle) bool {
	s, ok := h.(InputSupport)
	return !ok || s.SupportsBlob()
}

// monotonic forwards only values above the highest one reported so far, so a
// retried attempt never moves progress backwards
func monotonic(fn func(float64)) func(float64) {
	if fn == nil {
		return nil
	}
	last := -1.0
	return func(v float64) {
		if v <= last {
			return
		}
		last = v
		fn(v)
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("no image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

/**
 * Tesseract engine
 *
 * Local, offline recognition through gosseract. One client per handle; the
 * client is rebuilt by the adapter whenever language or segmentation mode
 * changes.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"strings"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/tiff"
)

const highAccuracyDPI = "300"

// Engine opens gosseract-backed handles
type Engine struct {
	clientFactory func() *gosseract.Client
}

// NewEngine creates a Tesseract engine
func NewEngine() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

// Open creates a client for cfg's language and segmentation mode
func (e *Engine) Open(cfg recognition.Config) (recognition.Handle, error) {
	c := e.clientFactory()
	if langs := splitLanguages(cfg.Language); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			c.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		c.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	return &tesseractHandle{client: c, tempDir: cfg.TempDir}, nil
}

type tesseractHandle struct {
	client  *gosseract.Client
	tempDir string
	dpi     string
}

func (h *tesseractHandle) SupportsBlob() bool { return true }

func (h *tesseractHandle) Configure(p recognition.Params) error {
	dpi := "0"
	if p.HighAccuracy {
		dpi = highAccuracyDPI
	}
	if dpi != h.dpi {
		if err := h.client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), dpi); err != nil {
			return fmt.Errorf("set dpi: %w", err)
		}
		h.dpi = dpi
	}
	for k, v := range p.Variables {
		if err := h.client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	return nil
}

func (h *tesseractHandle) Recognize(ctx context.Context, in recognition.Input) (*recognition.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(in.OnProgress, 0)

	switch {
	case in.Blob != nil:
		if err := checkBlob(in.Blob); err != nil {
			return nil, err
		}
		if err := h.client.SetImageFromBytes(in.Blob); err != nil {
			return nil, fmt.Errorf("%w: %v", recognition.ErrUnsupportedInput, err)
		}
	case in.Raster != nil:
		path, err := h.writeTIFF(in)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		if err := h.client.SetImage(path); err != nil {
			return nil, fmt.Errorf("set image: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: empty input", recognition.ErrUnsupportedInput)
	}

	text, err := h.client.Text()
	if err != nil {
		return nil, loadError(in, err)
	}
	report(in.OnProgress, 0.5)

	boxes, err := h.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("line boxes: %w", err)
	}
	out := &recognition.Output{Text: text, Lines: make([]recognition.Line, 0, len(boxes))}
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence
		out.Lines = append(out.Lines, recognition.Line{
			Text:       strings.TrimSpace(b.Word),
			Confidence: &conf,
			BBox: layout.Rect{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
		})
		sum += conf
	}
	if len(boxes) > 0 {
		mean := sum / float64(len(boxes))
		out.Confidence = &mean
	}
	report(in.OnProgress, 1)
	return out, nil
}

func (h *tesseractHandle) Close() error {
	return h.client.Close()
}

// writeTIFF stores the raster in the scratch directory for SetImage
func (h *tesseractHandle) writeTIFF(in recognition.Input) (string, error) {
	f, err := os.CreateTemp(h.tempDir, "page-*.tif")
	if err != nil {
		return "", fmt.Errorf("create scratch raster: %w", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, in.Raster, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("encode scratch raster: %w", err)
	}
	return f.Name(), nil
}

// checkBlob rejects blobs leptonica would fail to decode; SetImageFromBytes
// accepts them and the failure only surfaces once recognition starts
func checkBlob(blob []byte) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(blob)); err != nil {
		return fmt.Errorf("%w: undecodable blob: %v", recognition.ErrUnsupportedInput, err)
	}
	return nil
}

// loadError classifies a recognition failure. With blob input the image is
// only loaded inside Text, so its failures count as unsupported input.
func loadError(in recognition.Input, err error) error {
	if in.Blob != nil {
		return fmt.Errorf("%w: %v", recognition.ErrUnsupportedInput, err)
	}
	return fmt.Errorf("tesseract OCR failed: %w", err)
}

func splitLanguages(s string) []string {
	var out []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func report(fn func(float64), v float64) {
	if fn != nil {
		fn(v)
	}
}

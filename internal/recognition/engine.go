/**
 * Recognition engine contract
 *
 * The engine is an opaque capability: open a handle for a language and page
 * segmentation mode, configure per-page parameters, recognize, close.
 */

package recognition

import (
	"context"
	"errors"
	"image"

	"github.com/adverant/nexus/docprep-worker/internal/layout"
)

// ErrUnsupportedInput marks engine failures caused by the input representation.
// The adapter retries these once with a raw raster.
var ErrUnsupportedInput = errors.New("unsupported input element")

// Config selects the engine model; changing it requires a new handle
type Config struct {
	Language    string
	PageSegMode int
	TempDir     string
}

// Key identifies a reusable handle
type Key struct {
	Language    string
	PageSegMode int
}

// Key returns the reuse key of c
func (c Config) Key() Key { return Key{Language: c.Language, PageSegMode: c.PageSegMode} }

// Params are per-page settings applied to an open handle
type Params struct {
	HighAccuracy bool
	Variables    map[string]string
}

// Input is one recognition request. Exactly one of Blob or Raster is set.
type Input struct {
	// Blob is an encoded image (PNG)
	Blob []byte
	// Raster is a decoded pixel buffer
	Raster image.Image
	// OnProgress receives fractional progress in [0,1]; may be nil
	OnProgress func(float64)
}

// Line is one recognized text line in raster pixel space
type Line struct {
	Text       string      `json:"text"`
	Confidence *float64    `json:"confidence"`
	BBox       layout.Rect `json:"bbox"`
}

// Output is an engine result
type Output struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Lines      []Line   `json:"lines"`
}

// Engine opens recognition handles
type Engine interface {
	Open(cfg Config) (Handle, error)
}

// Handle is a live engine instance. It is not safe for concurrent use.
type Handle interface {
	Configure(p Params) error
	Recognize(ctx context.Context, in Input) (*Output, error)
	Close() error
}

// InputSupport is implemented by handles that know whether blob input works
// in the current environment
type InputSupport interface {
	SupportsBlob() bool
}

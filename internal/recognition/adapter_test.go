package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"

	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
)

type fakeEngine struct {
	handles []*fakeHandle
	blob    bool
	// fail returns the error for the n-th Recognize call on a handle, or nil
	fail func(call int, in Input) error
}

func (e *fakeEngine) Open(cfg Config) (Handle, error) {
	h := &fakeHandle{engine: e, cfg: cfg}
	e.handles = append(e.handles, h)
	return h, nil
}

type fakeHandle struct {
	engine *fakeEngine
	cfg    Config
	calls  []Input
	closed bool
}

func (h *fakeHandle) SupportsBlob() bool { return h.engine.blob }

func (h *fakeHandle) Configure(Params) error { return nil }

func (h *fakeHandle) Recognize(ctx context.Context, in Input) (*Output, error) {
	h.calls = append(h.calls, in)
	if h.engine.fail != nil {
		if err := h.engine.fail(len(h.calls), in); err != nil {
			return nil, err
		}
	}
	if in.OnProgress != nil {
		in.OnProgress(1)
	}
	return &Output{Text: "ok"}, nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func request(lang string, psm int) Request {
	return Request{
		JobID:     1,
		Config:    Config{Language: lang, PageSegMode: psm},
		Image:     image.NewRGBA(image.Rect(0, 0, 4, 4)),
		PageIndex: 0,
	}
}

func TestAdapterReusesHandleForSameKey(t *testing.T) {
	e := &fakeEngine{blob: true}
	a := NewAdapter(e, nil)
	for i := 0; i < 3; i++ {
		if _, err := a.Recognize(context.Background(), request("eng", 3)); err != nil {
			t.Fatal(err)
		}
	}
	if a.Opens() != 1 || len(e.handles[0].calls) != 3 {
		t.Fatalf("opens = %d, calls = %d", a.Opens(), len(e.handles[0].calls))
	}
}

func TestAdapterRebuildsOnKeyChange(t *testing.T) {
	e := &fakeEngine{blob: true}
	a := NewAdapter(e, nil)
	for _, r := range []Request{request("eng", 3), request("deu", 3), request("deu", 6)} {
		if _, err := a.Recognize(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	if a.Opens() != 3 {
		t.Fatalf("opens = %d, want 3", a.Opens())
	}
	if !e.handles[0].closed || !e.handles[1].closed || e.handles[2].closed {
		t.Fatalf("old handles should be closed before rebuilding")
	}
	if err := a.Close(); err != nil || !e.handles[2].closed {
		t.Fatalf("Close did not terminate the live handle")
	}
}

func TestAdapterPrefersBlob(t *testing.T) {
	e := &fakeEngine{blob: true}
	a := NewAdapter(e, nil)
	if _, err := a.Recognize(context.Background(), request("eng", 3)); err != nil {
		t.Fatal(err)
	}
	if in := e.handles[0].calls[0]; in.Blob == nil || in.Raster != nil {
		t.Fatalf("expected blob input, got %+v", in)
	}
}

func TestAdapterRasterWhenBlobUnsupported(t *testing.T) {
	e := &fakeEngine{blob: false}
	a := NewAdapter(e, nil)
	if _, err := a.Recognize(context.Background(), request("eng", 3)); err != nil {
		t.Fatal(err)
	}
	if in := e.handles[0].calls[0]; in.Blob != nil || in.Raster == nil {
		t.Fatalf("expected raster input, got %+v", in)
	}
}

func TestAdapterRetriesUnsupportedInputOnce(t *testing.T) {
	e := &fakeEngine{blob: true, fail: func(call int, in Input) error {
		if in.Blob != nil {
			return fmt.Errorf("leptonica: %w", ErrUnsupportedInput)
		}
		return nil
	}}
	a := NewAdapter(e, nil)
	var progress []float64
	req := request("eng", 3)
	req.OnProgress = func(p float64) { progress = append(progress, p) }

	out, err := a.Recognize(context.Background(), req)
	if err != nil || out.Text != "ok" {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	calls := e.handles[0].calls
	if len(calls) != 2 || calls[1].Raster == nil {
		t.Fatalf("expected one raster retry, calls = %d", len(calls))
	}
	if len(progress) != 1 || progress[0] != 1 {
		t.Fatalf("progress not forwarded: %v", progress)
	}
}

func TestAdapterRetryKeepsProgressMonotonic(t *testing.T) {
	e := &fakeEngine{blob: true, fail: func(call int, in Input) error {
		if in.Blob != nil {
			in.OnProgress(0)
			in.OnProgress(0.6)
			return ErrUnsupportedInput
		}
		in.OnProgress(0)
		in.OnProgress(0.3)
		in.OnProgress(0.8)
		return nil
	}}
	a := NewAdapter(e, nil)
	var progress []float64
	req := request("eng", 3)
	req.OnProgress = func(p float64) { progress = append(progress, p) }

	if _, err := a.Recognize(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.6, 0.8, 1}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
}

func TestAdapterSecondFailureIsFatal(t *testing.T) {
	e := &fakeEngine{blob: true, fail: func(int, Input) error { return ErrUnsupportedInput }}
	a := NewAdapter(e, nil)
	_, err := a.Recognize(context.Background(), request("eng", 3))
	if werrors.CodeOf(err) != werrors.ErrorRecognitionFailed {
		t.Fatalf("err = %v", err)
	}
	if got := len(e.handles[0].calls); got != 2 {
		t.Fatalf("calls = %d, want exactly 2", got)
	}
}

func TestAdapterOtherErrorsAreNotRetried(t *testing.T) {
	e := &fakeEngine{blob: true, fail: func(int, Input) error { return errors.New("engine crashed") }}
	a := NewAdapter(e, nil)
	_, err := a.Recognize(context.Background(), request("eng", 3))
	if werrors.CodeOf(err) != werrors.ErrorRecognitionFailed {
		t.Fatalf("err = %v", err)
	}
	if got := len(e.handles[0].calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

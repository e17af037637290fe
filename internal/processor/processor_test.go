package processor

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/layout"
	"github.com/adverant/nexus/docprep-worker/internal/recognition"
	"github.com/adverant/nexus/docprep-worker/internal/render"
)

type recorder struct {
	mu        sync.Mutex
	events    []Event
	terminals chan Event
}

func newRecorder() *recorder {
	return &recorder{terminals: make(chan Event, 16)}
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Terminal() {
		r.terminals <- e
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) wait(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.terminals:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return Event{}
	}
}

type stubEngine struct {
	mu    sync.Mutex
	calls int
	// gate blocks every Recognize call until it receives
	gate    chan struct{}
	started chan struct{}
}

func (e *stubEngine) Open(recognition.Config) (recognition.Handle, error) {
	return &stubHandle{engine: e}, nil
}

type stubHandle struct{ engine *stubEngine }

func (h *stubHandle) SupportsBlob() bool { return false }

func (h *stubHandle) Configure(recognition.Params) error { return nil }

func (h *stubHandle) Recognize(ctx context.Context, in recognition.Input) (*recognition.Output, error) {
	h.engine.mu.Lock()
	h.engine.calls++
	h.engine.mu.Unlock()
	if h.engine.gate != nil {
		h.engine.started <- struct{}{}
		<-h.engine.gate
	}
	if in.OnProgress != nil {
		in.OnProgress(0.5)
	}
	c := 90.0
	return &recognition.Output{
		Text: "hello world",
		Lines: []recognition.Line{
			{Text: "hello world", Confidence: &c, BBox: layout.Rect{X: 10, Y: 10, Width: 120, Height: 20}},
		},
	}, nil
}

func (h *stubHandle) Close() error { return nil }

func whitePage(ctx context.Context, source string, scale float64) (*render.Raster, error) {
	if source == "bad" {
		return nil, errors.New("unreadable page")
	}
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return render.FromImage(img, scale, nil), nil
}

func newTestController(t *testing.T, engine *stubEngine) (*Controller, *recorder) {
	t.Helper()
	rec := newRecorder()
	c, err := NewController(ControllerConfig{
		Renderer: render.NewRenderer(render.ProviderFunc(whitePage)),
		Engine:   engine,
		Sink:     rec,
		Settings: DefaultSettings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, rec
}

func submission(id int64, pages ...int) Submission {
	return Submission{
		JobID:          id,
		PageSourceRefs: []string{"p0", "p1", "p2", "p3"},
		PageIndexes:    pages,
	}
}

func terminals(events []Event, jobID int64) []Event {
	var out []Event
	for _, e := range events {
		if e.JobID == jobID && e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func TestControllerStreamsPagesInOrder(t *testing.T) {
	c, rec := newTestController(t, &stubEngine{})
	defer c.Close()

	if err := c.Submit(submission(1, 2, 0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	done := rec.wait(t)
	if done.Type != EventDone || len(done.Pages) != 3 {
		t.Fatalf("terminal = %+v", done)
	}

	var pages []int
	for _, e := range rec.snapshot() {
		if e.Type == EventPage {
			pages = append(pages, *e.PageIndex)
		}
	}
	if len(pages) != 3 || pages[0] != 0 || pages[1] != 1 || pages[2] != 2 {
		t.Fatalf("page order = %v", pages)
	}
	if done.Pages[0].Text != "hello world" || done.Pages[0].Width != 300 {
		t.Fatalf("page result = %+v", done.Pages[0])
	}

	st, ok := c.Status(1)
	if !ok || st.Status != StatusDone || st.PagesDone != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestProgressPrecedesPageEvent(t *testing.T) {
	c, rec := newTestController(t, &stubEngine{})
	defer c.Close()

	if err := c.Submit(submission(1, 0)); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	events := rec.snapshot()
	if events[0].Type != EventProgress || events[0].Stage != StagePreprocess || *events[0].Progress != 0 {
		t.Fatalf("first event = %+v", events[0])
	}
	var stages []Stage
	for _, e := range events {
		if e.Type == EventProgress && (len(stages) == 0 || stages[len(stages)-1] != e.Stage) {
			stages = append(stages, e.Stage)
		}
	}
	want := []Stage{StagePreprocess, StageRecognize, StagePostprocess}
	if len(stages) != 3 || stages[0] != want[0] || stages[1] != want[1] || stages[2] != want[2] {
		t.Fatalf("stages = %v", stages)
	}
	if events[len(events)-2].Type != EventPage {
		t.Fatalf("page event not last before terminal: %+v", events[len(events)-2])
	}
}

func TestInvalidSubmissionEmitsOnlyError(t *testing.T) {
	engine := &stubEngine{}
	c, rec := newTestController(t, engine)
	defer c.Close()

	err := c.Submit(Submission{JobID: 7})
	if werrors.CodeOf(err) != werrors.ErrorInputInvalid {
		t.Fatalf("Submit() error = %v", err)
	}
	e := rec.wait(t)
	if e.Type != EventError || e.ErrorCode != string(werrors.ErrorInputInvalid) || e.JobID != 7 {
		t.Fatalf("event = %+v", e)
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("got %d events, want 1", n)
	}
	if _, ok := c.Status(7); ok {
		t.Fatal("invalid job was tracked")
	}
}

func TestCancelDuringRecognitionStopsEvents(t *testing.T) {
	engine := &stubEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c, rec := newTestController(t, engine)
	defer c.Close()

	if err := c.Submit(submission(1, 0, 1)); err != nil {
		t.Fatal(err)
	}
	<-engine.started
	if !c.Cancel(1) {
		t.Fatal("Cancel() missed a running job")
	}
	mark := len(rec.snapshot())
	close(engine.gate)

	e := rec.wait(t)
	if e.Type != EventCancelled {
		t.Fatalf("terminal = %+v", e)
	}
	after := rec.snapshot()[mark:]
	if len(after) != 1 || after[0].Type != EventCancelled {
		t.Fatalf("events after cancel = %+v", after)
	}
	if c.Cancel(1) {
		t.Fatal("Cancel() on a finished job reported a hit")
	}
}

func TestNewerSubmissionSupersedes(t *testing.T) {
	engine := &stubEngine{gate: make(chan struct{}), started: make(chan struct{}, 2)}
	c, rec := newTestController(t, engine)
	defer c.Close()

	if err := c.Submit(submission(1, 0, 1)); err != nil {
		t.Fatal(err)
	}
	<-engine.started
	if err := c.Submit(submission(2, 0)); err != nil {
		t.Fatal(err)
	}
	close(engine.gate)

	first, second := rec.wait(t), rec.wait(t)
	if first.JobID != 1 || first.Type != EventCancelled {
		t.Fatalf("first terminal = %+v", first)
	}
	if second.JobID != 2 || second.Type != EventDone {
		t.Fatalf("second terminal = %+v", second)
	}
	events := rec.snapshot()
	if n := len(terminals(events, 1)); n != 1 {
		t.Fatalf("job 1 has %d terminals", n)
	}
	for _, e := range events {
		if e.JobID == 1 && e.Type == EventPage {
			t.Fatalf("superseded job emitted a page: %+v", e)
		}
	}
	if c.ActiveEpoch() != 2 {
		t.Fatalf("ActiveEpoch() = %d", c.ActiveEpoch())
	}
}

func TestRenderFailureEmitsErrorTerminal(t *testing.T) {
	c, rec := newTestController(t, &stubEngine{})
	defer c.Close()

	sub := submission(3, 0, 1)
	sub.PageSourceRefs = []string{"p0", "bad"}
	if err := c.Submit(sub); err != nil {
		t.Fatal(err)
	}
	e := rec.wait(t)
	if e.Type != EventError || e.ErrorCode != string(werrors.ErrorRenderFailed) {
		t.Fatalf("terminal = %+v", e)
	}
	var pages int
	for _, ev := range rec.snapshot() {
		if ev.Type == EventPage {
			pages++
		}
	}
	if pages != 1 {
		t.Fatalf("got %d page events before the failure", pages)
	}
	st, _ := c.Status(3)
	if st.Status != StatusErrored || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestDuplicateLiveJobRejected(t *testing.T) {
	engine := &stubEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c, rec := newTestController(t, engine)
	defer c.Close()

	if err := c.Submit(submission(4, 0)); err != nil {
		t.Fatal(err)
	}
	<-engine.started
	if err := c.Submit(submission(4, 0)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate submit error = %v", err)
	}
	close(engine.gate)
	if e := rec.wait(t); e.Type != EventDone {
		t.Fatalf("terminal = %+v", e)
	}
}

func TestFinishedJobCanBeResubmitted(t *testing.T) {
	c, rec := newTestController(t, &stubEngine{})
	defer c.Close()

	if err := c.Submit(submission(5, 0)); err != nil {
		t.Fatal(err)
	}
	if e := rec.wait(t); e.Type != EventDone {
		t.Fatalf("first terminal = %+v", e)
	}
	if err := c.Submit(submission(5, 0, 1)); err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if e := rec.wait(t); e.Type != EventDone || len(e.Pages) != 2 {
		t.Fatalf("second terminal = %+v", e)
	}
	if got := len(terminals(rec.snapshot(), 5)); got != 2 {
		t.Fatalf("terminals = %d, want one per run", got)
	}
	if st, ok := c.Status(5); !ok || st.PagesTotal != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestCloseCancelsRunningJob(t *testing.T) {
	engine := &stubEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c, rec := newTestController(t, engine)

	if err := c.Submit(submission(5, 0, 1)); err != nil {
		t.Fatal(err)
	}
	<-engine.started

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	for !errors.Is(c.Submit(submission(5, 0)), ErrClosed) {
		time.Sleep(time.Millisecond)
	}
	close(engine.gate)

	if e := rec.wait(t); e.Type != EventCancelled || e.JobID != 5 {
		t.Fatalf("terminal = %+v", e)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
}

func TestEpochFilterDropsOlderJobs(t *testing.T) {
	rec := newRecorder()
	f := NewEpochFilter(rec)
	f.Emit(Event{JobID: 1, Type: EventProgress})
	f.Advance(3)
	f.Emit(Event{JobID: 2, Type: EventDone})
	f.Emit(Event{JobID: 3, Type: EventProgress})
	f.Emit(Event{JobID: 1, Type: EventProgress})

	got := rec.snapshot()
	if len(got) != 2 || got[0].JobID != 1 || got[1].JobID != 3 {
		t.Fatalf("events = %+v", got)
	}
	if f.Active() != 3 {
		t.Fatalf("Active() = %d", f.Active())
	}
}

func TestSubmissionJSON(t *testing.T) {
	raw := `{"jobId":9,"documentRef":"scan.pdf","pageIndexes":[1],
		"pageHints":[{"pageIndex":1,"pageWidth":612,"pageHeight":792,"nativeCharCount":4}],
		"options":{"qualityMode":"high_accuracy","maskImages":"on","pageSegmentationMode":6,"skipDiagrams":false}}`
	var sub Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		t.Fatal(err)
	}
	j, err := validate(sub, DefaultSettings().Defaults)
	if err != nil {
		t.Fatal(err)
	}
	if j.source(1) != "scan.pdf#page=1" {
		t.Fatalf("source = %q", j.source(1))
	}
	if j.opts.quality != render.QualityHighAccuracy || j.opts.psm != 6 || j.opts.skipDiagrams {
		t.Fatalf("options = %+v", j.opts)
	}
	if j.opts.language != "eng" || j.hints[1].PageWidth != 612 {
		t.Fatalf("defaults or hints lost: %+v %+v", j.opts, j.hints)
	}
}

func TestValidateRejectsBadOptions(t *testing.T) {
	psm := 14
	margin := -1.0
	cases := map[string]Submission{
		"no pages":      {JobID: 1, PageSourceRefs: []string{"a"}},
		"negative page": {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{-1}},
		"missing src":   {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{3}},
		"bad quality":   {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{0}, Options: Options{QualityMode: "max"}},
		"bad psm":       {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{0}, Options: Options{PageSegmentationMode: &psm}},
		"bad margin":    {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{0}, Options: Options{MaskMarginPx: &margin}},
		"bad crop":      {JobID: 1, PageSourceRefs: []string{"a"}, PageIndexes: []int{0}, Options: Options{CropMode: "always"}},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := validate(sub, DefaultSettings().Defaults); werrors.CodeOf(err) != werrors.ErrorInputInvalid {
				t.Fatalf("validate() error = %v", err)
			}
		})
	}
}

func TestReplaceInBand(t *testing.T) {
	band := layout.Rect{X: 0, Y: 100, Width: 500, Height: 50}
	lines := []recognition.Line{
		{Text: "keep", BBox: layout.Rect{X: 10, Y: 10, Width: 100, Height: 20}},
		{Text: "drop", BBox: layout.Rect{X: 10, Y: 110, Width: 100, Height: 20}},
	}
	fill := []recognition.Line{{Text: "better", BBox: layout.Rect{X: 10, Y: 112, Width: 300, Height: 20}}}
	got := replaceInBand(lines, fill, band)
	if len(got) != 2 || got[0].Text != "keep" || got[1].Text != "better" {
		t.Fatalf("replaceInBand() = %+v", got)
	}
}

func TestCropToKeepsOrigin(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	img.Set(30, 20, color.Black)
	dst, off := cropTo(img, layout.Rect{X: 30.4, Y: 20, Width: 200, Height: 10})
	if off != (image.Point{X: 30, Y: 20}) || dst.Bounds().Dx() != 70 || dst.Bounds().Dy() != 10 {
		t.Fatalf("cropTo() = %v %v", dst.Bounds(), off)
	}
	if r, _, _, _ := dst.At(0, 0).RGBA(); r != 0 {
		t.Fatal("pixel not copied")
	}
}

/**
 * Job Controller for the page OCR worker
 *
 * Runs submitted jobs one at a time on a single background goroutine that
 * owns the recognition engine handle:
 * - pages are processed strictly in ascending order, never concurrently
 * - every job id is an epoch; a newer submission supersedes older jobs
 * - cancellation is cooperative and checked between page sub-stages
 * - each job ends with exactly one terminal event (done, cancelled or error)
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

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

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("controller is closed")

// ErrDuplicate is returned by Submit when a job with the same id is still live
var ErrDuplicate = errors.New("job already submitted")

// maxTracked bounds how many finished jobs Status remembers
const maxTracked = 256

// HintSource reads native layout hints for a whole document
type HintSource interface {
	ReadHints(documentRef string) (map[int]layout.Hint, error)
}

// Settings are the heuristic thresholds used by the page pipeline
type Settings struct {
	Mask     masking.Thresholds
	Crop     crop.Config
	Diagram  diagram.Config
	Post     postprocess.Config
	Backfill layout.BackfillConfig
	Header   layout.HeaderConfig
	MergeGap float64
	Defaults Defaults
	TempDir  string
}

// DefaultSettings returns the default thresholds
func DefaultSettings() Settings {
	return Settings{
		Mask:     masking.DefaultThresholds(),
		Crop:     crop.DefaultConfig(),
		Diagram:  diagram.DefaultConfig(),
		Post:     postprocess.DefaultConfig(),
		Backfill: layout.DefaultBackfillConfig(),
		Header:   layout.DefaultHeaderConfig(),
		MergeGap: layout.DefaultMergeGap,
		Defaults: Defaults{
			Language:    "eng",
			MaskMargin:  8,
			CropPadding: crop.DefaultConfig().Padding,
		},
	}
}

// ControllerConfig holds controller collaborators
type ControllerConfig struct {
	Renderer *render.Renderer
	Engine   recognition.Engine
	Sink     Sink
	Hints    HintSource
	Logger   *logging.Logger
	Settings Settings
}

// JobStatus is a diagnostic snapshot of one job
type JobStatus struct {
	JobID      int64     `json:"jobId"`
	Status     Status    `json:"status"`
	PagesTotal int       `json:"pagesTotal"`
	PagesDone  int       `json:"pagesDone"`
	Error      string    `json:"error,omitempty"`
	Submitted  time.Time `json:"submitted"`
}

// tracked is a job plus its mutable lifecycle state
type tracked struct {
	job       *job
	submitted time.Time

	mu        sync.Mutex
	status    Status
	cancelled bool
	pagesDone int
	errMsg    string
}

func (t *tracked) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal()
}

// Controller sequences jobs and emits the event protocol
type Controller struct {
	renderer *render.Renderer
	adapter  *recognition.Adapter
	analyzer layout.Analyzer
	sink     Sink
	hints    HintSource
	logger   *logging.Logger
	settings Settings

	active atomic.Int64

	mu      sync.Mutex
	jobs    map[int64]*tracked
	order   []int64
	pending []*tracked
	closed  bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller and starts its worker goroutine
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("recognition engine is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		renderer: cfg.Renderer,
		adapter:  recognition.NewAdapter(cfg.Engine, cfg.Logger),
		analyzer: layout.Analyzer{
			MergeGap: cfg.Settings.MergeGap,
			Header:   cfg.Settings.Header,
		},
		sink:     cfg.Sink,
		hints:    cfg.Hints,
		logger:   cfg.Logger,
		settings: cfg.Settings,
		jobs:     make(map[int64]*tracked),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.loop()
	return c, nil
}

// Submit validates and queues a job. Invalid submissions emit a single error
// terminal and are never queued.
func (c *Controller) Submit(sub Submission) error {
	j, err := validate(sub, c.settings.Defaults)
	if err != nil {
		c.logger.Warn("Rejected submission", "job_id", sub.JobID, "error", err)
		c.sink.Emit(Event{
			JobID:     sub.JobID,
			Type:      EventError,
			Error:     err.Error(),
			ErrorCode: string(werrors.CodeOf(err)),
		})
		return err
	}

	t := &tracked{job: j, submitted: time.Now(), status: StatusPending}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if prev, dup := c.jobs[j.id]; dup {
		if !prev.finished() {
			c.mu.Unlock()
			return fmt.Errorf("job %d: %w", j.id, ErrDuplicate)
		}
		c.forgetLocked(j.id)
	}
	c.jobs[j.id] = t
	c.order = append(c.order, j.id)
	c.pruneLocked()
	c.pending = append(c.pending, t)
	c.advance(j.id)
	c.mu.Unlock()

	c.signal()
	c.logger.Info("Job queued", "job_id", j.id, "pages", len(j.pages))
	return nil
}

// Cancel stops a job at its next stage boundary. Unknown or finished ids are
// ignored. It reports whether a live job was hit.
func (c *Controller) Cancel(jobID int64) bool {
	c.mu.Lock()
	t := c.jobs[jobID]
	c.mu.Unlock()
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() || t.cancelled {
		return false
	}
	t.cancelled = true
	c.logger.Info("Cancellation requested", "job_id", jobID)
	return true
}

// Status returns a snapshot of a tracked job
func (c *Controller) Status(jobID int64) (JobStatus, bool) {
	c.mu.Lock()
	t := c.jobs[jobID]
	c.mu.Unlock()
	if t == nil {
		return JobStatus{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return JobStatus{
		JobID:      jobID,
		Status:     t.status,
		PagesTotal: len(t.job.pages),
		PagesDone:  t.pagesDone,
		Error:      t.errMsg,
		Submitted:  t.submitted,
	}, true
}

// ActiveEpoch returns the newest job id submitted
func (c *Controller) ActiveEpoch() int64 { return c.active.Load() }

// Close cancels queued and running jobs, waits for their terminals and
// terminates the engine handle
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	for _, t := range c.jobs {
		t.mu.Lock()
		if !t.status.Terminal() {
			t.cancelled = true
		}
		t.mu.Unlock()
	}
	c.mu.Unlock()

	c.logger.Info("Controller closing")
	c.signal()
	<-c.done
	c.cancel()
	return nil
}

func (c *Controller) loop() {
	defer close(c.done)
	defer func() {
		if err := c.adapter.Close(); err != nil {
			c.logger.Warn("Failed to close engine handle", "error", err)
		}
	}()
	for {
		t, ok := c.next()
		if !ok {
			return
		}
		c.run(t)
	}
}

func (c *Controller) next() (*tracked, bool) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			t := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return t, true
		}
		if c.closed {
			c.mu.Unlock()
			return nil, false
		}
		c.mu.Unlock()
		<-c.wake
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// advance raises the active epoch to id
func (c *Controller) advance(id int64) {
	for {
		cur := c.active.Load()
		if id <= cur || c.active.CompareAndSwap(cur, id) {
			return
		}
	}
}

// stale reports whether t was cancelled or superseded
func (c *Controller) stale(t *tracked) bool {
	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()
	return cancelled || t.job.id < c.active.Load()
}

// emit delivers e for t. Nothing follows a terminal; a cancelled or
// superseded job only emits its cancelled terminal.
func (c *Controller) emit(t *tracked, e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	if t.cancelled || t.job.id < c.active.Load() {
		if !e.Terminal() {
			return
		}
		if e.Type != EventCancelled {
			e = Event{JobID: e.JobID, Type: EventCancelled}
		}
	}
	switch e.Type {
	case EventDone:
		t.status = StatusDone
	case EventCancelled:
		t.status = StatusCancelled
	case EventError:
		t.status = StatusErrored
		t.errMsg = e.Error
	case EventPage:
		t.pagesDone++
	}
	c.sink.Emit(e)
}

func (c *Controller) run(t *tracked) {
	j := t.job
	log := c.logger.With("job_id", j.id)

	t.mu.Lock()
	if !t.status.Terminal() {
		t.status = StatusRunning
	}
	t.mu.Unlock()

	start := time.Now()
	log.Info("Starting job", "pages", len(j.pages))
	hints := c.loadHints(j, log)

	results := make([]PageResult, 0, len(j.pages))
	for _, p := range j.pages {
		if c.stale(t) {
			c.finishCancelled(t, log)
			return
		}
		res, err := c.processPage(c.ctx, t, p, hints[p], log.With("page", p))
		if errors.Is(err, errCancelled) {
			c.finishCancelled(t, log)
			return
		}
		if err != nil {
			log.Error("Job failed", "page", p, "error", err)
			c.emit(t, Event{
				JobID:     j.id,
				Type:      EventError,
				Error:     err.Error(),
				ErrorCode: string(werrors.CodeOf(err)),
			})
			return
		}
		results = append(results, *res)
		idx := p
		c.emit(t, Event{JobID: j.id, Type: EventPage, PageIndex: &idx, Page: res})
	}

	c.emit(t, Event{JobID: j.id, Type: EventDone, Pages: results})
	log.Info("Job complete", "pages", len(results), "duration_ms", time.Since(start).Milliseconds())
}

func (c *Controller) finishCancelled(t *tracked, log *logging.Logger) {
	superseded := t.job.id < c.active.Load()
	log.Info("Job cancelled", "superseded", superseded)
	c.emit(t, Event{JobID: t.job.id, Type: EventCancelled})
}

// loadHints merges document-level native hints with submission hints;
// submission hints win
func (c *Controller) loadHints(j *job, log *logging.Logger) map[int]layout.Hint {
	hints := make(map[int]layout.Hint, len(j.pages))
	if c.hints != nil && j.docRef != "" {
		native, err := c.hints.ReadHints(j.docRef)
		if err != nil {
			log.Warn("Native hints unavailable", "document", j.docRef, "error", err)
		}
		for p, h := range native {
			hints[p] = h
		}
	}
	for p, h := range j.hints {
		hints[p] = h
	}
	return hints
}

func (c *Controller) pruneLocked() {
	for len(c.order) > maxTracked {
		id := c.order[0]
		if !c.jobs[id].finished() {
			return
		}
		delete(c.jobs, id)
		c.order = c.order[1:]
	}
}

// forgetLocked drops a finished job so its id can be submitted again
func (c *Controller) forgetLocked(id int64) {
	delete(c.jobs, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

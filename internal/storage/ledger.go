/**
 * Job Ledger
 *
 * A processor.Sink that records job lifecycle and page metrics in
 * PostgreSQL. Writes happen on a background goroutine so the pipeline never
 * waits on the database; when the buffer is full events are dropped and
 * logged.
 */

package storage

import (
	"context"
	"sync"
	"time"

	werrors "github.com/adverant/nexus/docprep-worker/internal/errors"
	"github.com/adverant/nexus/docprep-worker/internal/logging"
	"github.com/adverant/nexus/docprep-worker/internal/processor"
)

// Store is the persistence the ledger writes to
type Store interface {
	UpsertJob(ctx context.Context, update *JobUpdate) error
	InsertPage(ctx context.Context, rec *PageRecord) error
}

// Ledger records events into a Store
type Ledger struct {
	store   Store
	logger  *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	events  chan processor.Event
	done    chan struct{}
	running map[int64]int
}

// NewLedger starts a ledger writing to store
func NewLedger(store Store, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.NewLogger("ledger")
	}
	l := &Ledger{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
		events:  make(chan processor.Event, 256),
		done:    make(chan struct{}),
		running: make(map[int64]int),
	}
	go l.loop()
	return l
}

// Emit queues e for persistence
func (l *Ledger) Emit(e processor.Event) {
	if !l.relevant(e) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- e:
	default:
		l.logger.Warn("Ledger buffer full, dropping event", "job_id", e.JobID, "type", e.Type)
	}
}

// Close flushes queued events and stops the writer
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()
	<-l.done
	return nil
}

// relevant filters out progress events other than page starts
func (l *Ledger) relevant(e processor.Event) bool {
	if e.Type != processor.EventProgress {
		return true
	}
	return e.Stage == processor.StagePreprocess && e.Progress != nil && *e.Progress == 0
}

func (l *Ledger) loop() {
	defer close(l.done)
	for e := range l.events {
		if err := l.write(e); err != nil {
			l.logger.Error("Ledger write failed", "error", werrors.NewStorageFailedError(e.JobID, err))
		}
	}
}

func (l *Ledger) write(e processor.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	switch e.Type {
	case processor.EventProgress:
		if _, seen := l.running[e.JobID]; seen {
			return nil
		}
		l.running[e.JobID] = 0
		return l.store.UpsertJob(ctx, &JobUpdate{JobID: e.JobID, Status: string(processor.StatusRunning)})

	case processor.EventPage:
		if e.Page == nil {
			return nil
		}
		if err := l.store.InsertPage(ctx, pageRecord(e.JobID, e.Page)); err != nil {
			return err
		}
		l.running[e.JobID]++
		return l.store.UpsertJob(ctx, &JobUpdate{
			JobID:     e.JobID,
			Status:    string(processor.StatusRunning),
			PagesDone: l.running[e.JobID],
		})

	case processor.EventDone:
		delete(l.running, e.JobID)
		return l.store.UpsertJob(ctx, &JobUpdate{
			JobID:      e.JobID,
			Status:     string(processor.StatusDone),
			PagesTotal: len(e.Pages),
			PagesDone:  len(e.Pages),
		})

	case processor.EventCancelled:
		delete(l.running, e.JobID)
		return l.store.UpsertJob(ctx, &JobUpdate{JobID: e.JobID, Status: string(processor.StatusCancelled)})

	case processor.EventError:
		delete(l.running, e.JobID)
		return l.store.UpsertJob(ctx, &JobUpdate{
			JobID:        e.JobID,
			Status:       string(processor.StatusErrored),
			ErrorCode:    e.ErrorCode,
			ErrorMessage: e.Error,
		})
	}
	return nil
}

// pageRecord flattens a page result into a ledger row
func pageRecord(jobID int64, page *processor.PageResult) *PageRecord {
	rec := &PageRecord{
		JobID:           jobID,
		PageIndex:       page.PageIndex,
		Text:            page.Text,
		CharCount:       page.Metrics.CharCount,
		NumLines:        page.Metrics.NumLines,
		AlphaRatio:      page.Metrics.AlphaRatio,
		MeanConfidence:  page.Metrics.MeanConfidence,
		LowConfFraction: page.Metrics.LowConfFraction,
		MaskReason:      string(page.Masking.Reason),
		MaskedCount:     page.Masking.MaskedCount,
		CropApplied:     page.Crop.Applied,
		CropReason:      string(page.Crop.Reason),
		Warnings:        page.Warnings,
		Metadata: map[string]interface{}{
			"width":             page.Width,
			"height":            page.Height,
			"medianTokenLength": page.Metrics.MedianTokenLength,
			"skipRegions":       len(page.SkipRegions),
			"backfillBands":     len(page.BackfillBands),
			"headerColumns":     len(page.HeaderColumns),
		},
	}
	if page.Crop.Box != nil {
		rec.Metadata["cropBox"] = page.Crop.Box
	}
	return rec
}

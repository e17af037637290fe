package processor

import "sync"

// EventType discriminates job events
type EventType string

const (
	EventProgress  EventType = "progress"
	EventPage      EventType = "page"
	EventDone      EventType = "done"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Stage names a page sub-stage
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageRecognize   Stage = "recognize"
	StagePostprocess Stage = "postprocess"
)

// Event is one message of the streaming protocol
type Event struct {
	JobID     int64        `json:"jobId"`
	Type      EventType    `json:"type"`
	PageIndex *int         `json:"pageIndex,omitempty"`
	Stage     Stage        `json:"stage,omitempty"`
	Progress  *float64     `json:"progress,omitempty"`
	Page      *PageResult  `json:"page,omitempty"`
	Pages     []PageResult `json:"pages,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorCode string       `json:"errorCode,omitempty"`
}

// Terminal reports whether the event ends its job
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventCancelled || e.Type == EventError
}

// Sink receives events in emission order
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// Emit calls f
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to every sink in order
type MultiSink []Sink

// Emit forwards e to each sink
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// EpochFilter drops events from jobs older than the newest epoch it has
// seen or been told about. Wrap consumer sinks with it so late results of a
// superseded job never reach the active job's view.
type EpochFilter struct {
	next Sink

	mu     sync.Mutex
	active int64
}

// NewEpochFilter wraps next
func NewEpochFilter(next Sink) *EpochFilter {
	return &EpochFilter{next: next}
}

// Advance marks epoch as active; older epochs are dropped from now on
func (f *EpochFilter) Advance(epoch int64) {
	f.mu.Lock()
	f.active = max(f.active, epoch)
	f.mu.Unlock()
}

// Active returns the newest epoch seen
func (f *EpochFilter) Active() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Emit forwards e unless it is stale
func (f *EpochFilter) Emit(e Event) {
	f.mu.Lock()
	if e.JobID < f.active {
		f.mu.Unlock()
		return
	}
	f.active = e.JobID
	f.mu.Unlock()
	f.next.Emit(e)
}

func progressEvent(jobID int64, page int, stage Stage, p float64) Event {
	return Event{JobID: jobID, Type: EventProgress, PageIndex: &page, Stage: stage, Progress: &p}
}

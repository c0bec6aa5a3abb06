package business

import (
	"sync"
	"time"

	"github.com/Iron-Ham/mobu/internal/errors"
)

// maxStopwatches bounds how many timing spans a business keeps; the oldest
// spans are discarded first.
const maxStopwatches = 1000

// StopwatchData is the snapshot of one timing span.
type StopwatchData struct {
	Event       string            `json:"event"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Start       time.Time         `json:"start"`
	Stop        *time.Time        `json:"stop,omitempty"`
	Elapsed     *float64          `json:"elapsed,omitempty"` // seconds
	Failed      bool              `json:"failed"`
}

// Timings records timing spans for a business. It is safe for concurrent
// use: the running loop records spans while API handlers dump them.
type Timings struct {
	mu    sync.Mutex
	spans []*Stopwatch
	now   func() time.Time
}

// NewTimings creates an empty Timings.
func NewTimings() *Timings {
	return &Timings{now: time.Now}
}

// Stopwatch is one timing span. Stop it exactly once.
type Stopwatch struct {
	timings     *Timings
	event       string
	annotations map[string]string
	start       time.Time
	stop        *time.Time
	failed      bool
}

// Start begins a new span.
//
//	sw := b.Timings.Start("clone", map[string]string{"repo": url})
//	err := clone()
//	return sw.Stop(err)
func (t *Timings) Start(event string, annotations map[string]string) *Stopwatch {
	if annotations == nil {
		annotations = map[string]string{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sw := &Stopwatch{
		timings:     t,
		event:       event,
		annotations: annotations,
		start:       t.now(),
	}
	t.spans = append(t.spans, sw)
	if len(t.spans) > maxStopwatches {
		t.spans = append(t.spans[:0:0], t.spans[len(t.spans)-maxStopwatches:]...)
	}
	return sw
}

// Stop ends the span and returns err. A non-nil err marks the span failed
// and, unless err already carries an event, is wrapped in a BusinessError
// naming this span so alerts can say which step failed.
func (s *Stopwatch) Stop(err error) error {
	s.timings.mu.Lock()
	now := s.timings.now()
	s.stop = &now
	s.failed = err != nil
	s.timings.mu.Unlock()

	if err == nil {
		return nil
	}
	var bizErr *errors.BusinessError
	if errors.As(err, &bizErr) {
		if bizErr.Event == "" {
			bizErr.WithEvent(s.event, s.start, s.annotations)
		}
		return err
	}
	return errors.NewBusinessError(s.event+" failed", err).WithEvent(s.event, s.start, s.annotations)
}

// Elapsed returns the span's duration, measured to now if still running.
func (s *Stopwatch) Elapsed() time.Duration {
	s.timings.mu.Lock()
	defer s.timings.mu.Unlock()
	if s.stop != nil {
		return s.stop.Sub(s.start)
	}
	return s.timings.now().Sub(s.start)
}

// Dump returns a snapshot of all retained spans in start order.
func (t *Timings) Dump() []StopwatchData {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StopwatchData, 0, len(t.spans))
	for _, s := range t.spans {
		data := StopwatchData{
			Event:       s.event,
			Annotations: s.annotations,
			Start:       s.start,
			Failed:      s.failed,
		}
		if s.stop != nil {
			stop := *s.stop
			elapsed := stop.Sub(s.start).Seconds()
			data.Stop = &stop
			data.Elapsed = &elapsed
		}
		out = append(out, data)
	}
	return out
}

package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType is the stable event vocabulary of a run.
type EventType string

const (
	EventPhaseStart      EventType = "phase_start"
	EventStageStart      EventType = "stage_start"
	EventStageEnd        EventType = "stage_end"
	EventCouncilProgress EventType = "council_progress"
	EventFinalChunk      EventType = "final_chunk"
	EventDone            EventType = "done"
	EventError           EventType = "error"
	EventCheckpoint      EventType = "checkpoint"
	EventCancelled       EventType = "cancelled"
)

// Event is one ordered notification about a run.
type Event struct {
	Seq       int64     `json:"seq"`
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Phase   string `json:"phase,omitempty"`
	Role    Role   `json:"role,omitempty"`
	Backend string `json:"backend,omitempty"`
	Model   string `json:"model,omitempty"`

	Stage     *StageRecord  `json:"stage,omitempty"`
	Review    *ReviewRecord `json:"review,omitempty"`
	Completed int           `json:"completed,omitempty"`
	Total     int           `json:"total,omitempty"`

	Chunk string `json:"chunk,omitempty"`
	Index int    `json:"index,omitempty"`
	Count int    `json:"count,omitempty"`

	// Output carries the paused stage's text on checkpoint events.
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
	Run     *Run   `json:"run,omitempty"`
}

// Sink receives events in order. A failing sink never affects the run.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, ev Event) error

func (f FuncSink) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

var errSinkClosed = errors.New("sink closed")

// ChannelSink hands events to a reader goroutine without buffering beyond the
// channel capacity.
type ChannelSink struct {
	C    chan Event
	done <-chan struct{}
}

// NewChannelSink builds a sink; sends fail once done is closed.
func NewChannelSink(capacity int, done <-chan struct{}) *ChannelSink {
	return &ChannelSink{C: make(chan Event, capacity), done: done}
}

func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case s.C <- ev:
		return nil
	case <-s.done:
		return errSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink fans events out to several sinks, dropping each one after its
// first failure.
type MultiSink struct {
	mu     sync.Mutex
	sinks  []Sink
	failed []bool
}

// NewMultiSink skips nil sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	m.failed = make([]bool, len(m.sinks))
	return m
}

// Send reports an error only once every sink has failed.
func (m *MultiSink) Send(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last error
	alive := 0
	for i, s := range m.sinks {
		if m.failed[i] {
			continue
		}
		if err := s.Send(ctx, ev); err != nil {
			m.failed[i] = true
			last = err
			continue
		}
		alive++
	}
	if alive == 0 && len(m.sinks) > 0 {
		if last == nil {
			last = errSinkClosed
		}
		return last
	}
	return nil
}

// Emitter stamps and delivers the events of one run. The sequence counter is
// shared by every emitter of the same run so seq keeps growing across resumes.
type Emitter struct {
	mu       sync.Mutex
	ctx      context.Context
	runID    string
	seq      *atomic.Int64
	sink     Sink
	disabled bool
	logger   *log.Logger
}

func newEmitter(ctx context.Context, runID string, seq *atomic.Int64, sink Sink, logger *log.Logger) *Emitter {
	if seq == nil {
		seq = new(atomic.Int64)
	}
	return &Emitter{ctx: context.WithoutCancel(ctx), runID: runID, seq: seq, sink: sink, logger: logger}
}

// Emit stamps the event and delivers it synchronously.
func (e *Emitter) Emit(ev Event) Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev.Seq = e.seq.Add(1)
	ev.RunID = e.runID
	ev.Timestamp = time.Now().UTC()
	if e.sink == nil || e.disabled {
		return ev
	}
	if err := e.sink.Send(e.ctx, ev); err != nil {
		e.disabled = true
		if e.logger != nil {
			e.logger.Printf("warn: run %s: event sink failed at seq %d, detaching: %v", e.runID, ev.Seq, err)
		}
	}
	return ev
}

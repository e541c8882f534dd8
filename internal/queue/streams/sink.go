package streams

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/council/internal/collab"
)

// Sink broadcasts collaboration events to a Redis stream. Publishing is best
// effort: failures are logged and counted, never returned, so a Redis outage
// does not detach the sink from a run.
type Sink struct {
	publisher *Publisher
	stream    string
	maxLen    int64
	timeout   time.Duration
	logger    *log.Logger
}

// NewSink publishes to stream, trimming it to about maxLen entries.
func NewSink(publisher *Publisher, stream string, maxLen int64) *Sink {
	return &Sink{
		publisher: publisher,
		stream:    stream,
		maxLen:    maxLen,
		timeout:   2 * time.Second,
		logger:    log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
}

func (s *Sink) Send(ctx context.Context, ev collab.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.publisher.PublishEvent(ctx, s.stream, ev, WithMaxLenApprox(s.maxLen)); err != nil {
		countEvent(ctx, &publishFailures, string(ev.Type))
		s.logger.Printf("warn: publish event %s/%d: %v", ev.RunID, ev.Seq, err)
		return nil
	}
	countEvent(ctx, &eventsPublished, string(ev.Type))
	return nil
}

var _ collab.Sink = (*Sink)(nil)

package collab

import (
	"context"
	"errors"
	"testing"
)

func TestEmitterStampsAndDetachesFailedSink(t *testing.T) {
	calls := 0
	sink := FuncSink(func(context.Context, Event) error {
		calls++
		return errors.New("client went away")
	})
	em := newEmitter(context.Background(), "run-1", nil, sink, quiet)

	first := em.Emit(Event{Type: EventStageStart})
	second := em.Emit(Event{Type: EventStageEnd})
	if first.Seq != 1 || second.Seq != 2 || first.RunID != "run-1" || first.Timestamp.IsZero() {
		t.Fatalf("bad stamping: %+v %+v", first, second)
	}
	if calls != 1 {
		t.Fatalf("failed sink must be detached after the first error, got %d calls", calls)
	}
}

func TestEmitterSendsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	em := newEmitter(ctx, "run-1", nil, rec, quiet)
	em.Emit(Event{Type: EventCancelled})
	if len(rec.all()) != 1 {
		t.Fatalf("terminal events must still be delivered")
	}
}

func TestMultiSinkKeepsHealthySinks(t *testing.T) {
	good := &recorder{}
	bad := FuncSink(func(context.Context, Event) error { return errors.New("boom") })
	m := NewMultiSink(nil, bad, good)

	for i := 0; i < 3; i++ {
		if err := m.Send(context.Background(), Event{Type: EventStageStart}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(good.all()) != 3 {
		t.Fatalf("healthy sink got %d events", len(good.all()))
	}

	onlyBad := NewMultiSink(bad)
	if err := onlyBad.Send(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error when every sink failed")
	}
}

func TestChannelSinkStopsWhenDone(t *testing.T) {
	done := make(chan struct{})
	s := NewChannelSink(1, done)
	if err := s.Send(context.Background(), Event{Type: EventDone}); err != nil {
		t.Fatalf("send: %v", err)
	}
	close(done)
	if err := s.Send(context.Background(), Event{Type: EventDone}); !errors.Is(err, errSinkClosed) {
		t.Fatalf("expected errSinkClosed, got %v", err)
	}
	if ev := <-s.C; ev.Type != EventDone {
		t.Fatalf("unexpected event %+v", ev)
	}
}

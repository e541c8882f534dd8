package streams

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/council/internal/collab"
)

func TestPublishEventRejectsUnknownType(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	pub := NewPublisher(nil, reg)
	ev := collab.Event{Seq: 1, RunID: "run-1", Type: "exploded", Timestamp: time.Now().UTC()}
	if _, err := pub.PublishEvent(context.Background(), "collab:events", ev); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestPublishRequiresRunIdentity(t *testing.T) {
	pub := NewPublisher(nil, nil)
	ctx := context.Background()
	cases := []collab.Event{
		{Seq: 1, Type: collab.EventDone, Timestamp: time.Now().UTC()},
		{RunID: "run-1", Type: collab.EventDone, Timestamp: time.Now().UTC()},
	}
	for _, ev := range cases {
		_, err := pub.PublishEvent(ctx, "collab:events", ev)
		if err == nil || !strings.Contains(err.Error(), "run_id and seq") {
			t.Fatalf("expected run identity error for %+v, got %v", ev, err)
		}
	}
	// a well formed event reaches the client check
	ev := collab.Event{Seq: 1, RunID: "run-1", Type: collab.EventDone, Timestamp: time.Now().UTC()}
	if _, err := pub.PublishEvent(ctx, "collab:events", ev); err == nil || !strings.Contains(err.Error(), "redis client is nil") {
		t.Fatalf("expected nil client error, got %v", err)
	}
}

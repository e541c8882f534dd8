package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
)

// consumeGroup delivers events through a consumer group so several readers
// share the stream and nothing is lost between restarts.
func consumeGroup(ctx context.Context, c *streams.Consumer, rdb *redis.Client, stream, group, runID string, fn func(collab.Event) error) error {
	if err := streams.EnsureGroup(ctx, rdb, stream, group); err != nil {
		return err
	}
	for {
		msgs, err := c.Read(ctx, stream, streams.WithBlock(5*time.Second), streams.WithCount(100))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, msg := range msgs {
			var ev collab.Event
			if msg.Envelope.EventType == streams.EventTypeCollab && json.Unmarshal(msg.Envelope.Data, &ev) == nil &&
				(runID == "" || ev.RunID == runID) {
				if err := fn(ev); err != nil {
					_ = c.Ack(ctx, stream, msg.ID)
					return err
				}
			}
			if err := c.Ack(ctx, stream, msg.ID); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

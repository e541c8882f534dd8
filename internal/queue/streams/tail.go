package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/council/internal/collab"
)

// Tailer follows the event stream without a consumer group, the way a
// dashboard or the CLI watches runs live.
type Tailer struct {
	client   *redis.Client
	registry *SchemaRegistry
	stream   string
	block    time.Duration
}

func NewTailer(client *redis.Client, registry *SchemaRegistry, stream string) *Tailer {
	return &Tailer{client: client, registry: registry, stream: stream, block: 5 * time.Second}
}

// Follow calls fn for every event after from ("$" for new entries only, "0"
// for the whole stream). A non-empty runID restricts delivery to that run.
// It returns when ctx ends or fn returns an error.
func (t *Tailer) Follow(ctx context.Context, from, runID string, fn func(collab.Event) error) error {
	last := from
	if last == "" || last == "$" {
		var err error
		if last, err = t.lastID(ctx); err != nil {
			return err
		}
	}
	for {
		res, err := t.client.XRead(ctx, &redis.XReadArgs{Streams: []string{t.stream, last}, Block: t.block, Count: 100}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				last = msg.ID
				if id, ok := msg.Values[runIDField].(string); ok && runID != "" && id != runID {
					continue
				}
				env, err := decode(t.registry, msg)
				if err != nil || env.EventType != EventTypeCollab {
					continue
				}
				if runID != "" && env.RunID != runID {
					continue
				}
				var ev collab.Event
				if err := json.Unmarshal(env.Data, &ev); err != nil {
					continue
				}
				countEvent(ctx, &eventsTailed, string(ev.Type))
				if err := fn(ev); err != nil {
					return err
				}
			}
		}
	}
}

// lastID is the newest entry id, or "0" for an empty stream.
func (t *Tailer) lastID(ctx context.Context) (string, error) {
	msgs, err := t.client.XRevRangeN(ctx, t.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("xrevrange: %w", err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

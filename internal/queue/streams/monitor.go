package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics is a consumer group's backlog on the events stream. OldestRunID
// names the run whose event has waited longest for an ack.
type LagMetrics struct {
	Pending     int64
	Lag         int64
	Consumers   int64
	OldestIdle  time.Duration
	OldestRunID string
}

// GroupLag reports the backlog of group on stream. Lag stays -1 when the
// group is missing.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("stream and group are required")
	}
	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	m := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name == group {
			m.Pending, m.Lag, m.Consumers = info.Pending, info.Lag, int64(info.Consumers)
			break
		}
	}
	if m.Pending == 0 {
		return m, nil
	}

	oldest, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{Stream: stream, Group: group, Start: "-", End: "+", Count: 1}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
	}
	if len(oldest) == 0 {
		return m, nil
	}
	m.OldestIdle = oldest[0].Idle
	entries, err := client.XRangeN(ctx, stream, oldest[0].ID, oldest[0].ID, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xrange %s: %w", oldest[0].ID, err)
	}
	if len(entries) == 1 {
		m.OldestRunID, _ = entries[0].Values[runIDField].(string)
	}
	return m, nil
}

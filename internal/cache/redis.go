package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/council/config"
)

const checkpointKeyPrefix = "council:checkpoint:"

// Conn dials Redis and checks it answers.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// Checkpoints keeps encoded checkpoints in Redis. Entries expire after ttl
// so abandoned paused runs do not accumulate.
type Checkpoints struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCheckpoints stores checkpoints without expiry when ttl is zero.
func NewCheckpoints(client *redis.Client, ttl time.Duration) *Checkpoints {
	return &Checkpoints{client: client, ttl: ttl, logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags)}
}

func checkpointKey(runID string) string { return checkpointKeyPrefix + runID }

func (c *Checkpoints) PutCheckpoint(ctx context.Context, runID string, payload []byte) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	return c.client.Set(ctx, checkpointKey(runID), payload, c.ttl).Err()
}

func (c *Checkpoints) GetCheckpoint(ctx context.Context, runID string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, checkpointKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (c *Checkpoints) DeleteCheckpoint(ctx context.Context, runID string) error {
	return c.client.Del(ctx, checkpointKey(runID)).Err()
}

// Pending lists the run ids that still have a checkpoint.
func (c *Checkpoints) Pending(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, checkpointKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, k[len(checkpointKeyPrefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.logger.Printf("%d paused runs hold a checkpoint", len(out))
	return out, nil
}

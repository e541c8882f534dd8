package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/council/internal/collab"
)

// Stream entry fields. run_id and event_type sit next to the envelope so
// readers can skip other runs without decoding.
const (
	envelopeField  = "envelope"
	runIDField     = "run_id"
	eventTypeField = "event_type"
)

var ErrUnknownEventType = errors.New("unknown run event type")

// Publisher writes run events to Redis streams.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox caps the stream near maxLen entries so finished runs age out.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher builds a publisher. A nil registry disables payload schemas.
func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

func knownEventType(t collab.EventType) bool {
	switch t {
	case collab.EventPhaseStart, collab.EventStageStart, collab.EventStageEnd,
		collab.EventCouncilProgress, collab.EventFinalChunk, collab.EventDone,
		collab.EventError, collab.EventCheckpoint, collab.EventCancelled:
		return true
	}
	return false
}

// PublishEvent wraps one run event in a v1 envelope and appends it.
func (p *Publisher) PublishEvent(ctx context.Context, stream string, ev collab.Event, opts ...PublishOption) (string, error) {
	if !knownEventType(ev.Type) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return p.Publish(ctx, stream, Envelope{
		EventType:      EventTypeCollab,
		PayloadVersion: VersionV1,
		RunID:          ev.RunID,
		Seq:            ev.Seq,
		OccurredAt:     ev.Timestamp,
		Data:           data,
	}, opts...)
}

// Publish appends a prepared envelope. Run envelopes must name their run and
// carry a positive seq.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if env.EventType == EventTypeCollab && (env.RunID == "" || env.Seq < 1) {
		return "", fmt.Errorf("run envelope needs run_id and seq, got %q/%d", env.RunID, env.Seq)
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	if p.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	values := map[string]interface{}{envelopeField: raw, eventTypeField: env.EventType}
	if env.RunID != "" {
		values[runIDField] = env.RunID
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	publishFailures   otelmetric.Int64Counter
	eventsTailed      otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("council/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"collab_stream_events_published_total",
		otelmetric.WithDescription("Collaboration events appended to the event stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: collab_stream_events_published_total: %v", err)
	}
	publishFailures, err = meter.Int64Counter(
		"collab_stream_publish_failures_total",
		otelmetric.WithDescription("Collaboration events that could not be appended"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: collab_stream_publish_failures_total: %v", err)
	}
	eventsTailed, err = meter.Int64Counter(
		"collab_stream_events_tailed_total",
		otelmetric.WithDescription("Collaboration events delivered to tail readers"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: collab_stream_events_tailed_total: %v", err)
	}
}

func countEvent(ctx context.Context, c *otelmetric.Int64Counter, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if *c == nil {
		return
	}
	(*c).Add(ctx, 1, otelmetric.WithAttributes(attribute.String("type", eventType)))
}

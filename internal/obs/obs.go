// Package obs holds the process-wide OpenTelemetry meter and the counters
// derived from it, so packages that need to record a metric don't each
// stand up their own meter provider.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/clickety-clacks/clawline")

var (
	// MessagesIngested counts inbound client messages the pipeline accepted,
	// labeled by outcome (acked, duplicate, rate_limited).
	MessagesIngested, _ = meter.Int64Counter(
		"clawline.messages.ingested",
		metric.WithDescription("Inbound client messages processed by the ingestion pipeline"),
	)

	// ConnectionsActive tracks live WebSocket connections.
	ConnectionsActive, _ = meter.Int64UpDownCounter(
		"clawline.connections.active",
		metric.WithDescription("Currently open WebSocket connections"),
	)

	// RepliesDispatched counts reply-dispatcher invocations, labeled by
	// outcome (delivered, failed, disabled).
	RepliesDispatched, _ = meter.Int64Counter(
		"clawline.replies.dispatched",
		metric.WithDescription("Reply dispatcher invocations from the ingestion pipeline"),
	)
)

// RecordMessage increments MessagesIngested with an "outcome" label.
func RecordMessage(ctx context.Context, outcome string) {
	MessagesIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReply increments RepliesDispatched with an "outcome" label.
func RecordReply(ctx context.Context, outcome string) {
	RepliesDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

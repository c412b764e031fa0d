package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quflux/publisher/internal/models"
	"github.com/quflux/publisher/internal/telemetry"
)

// NotificationSink receives publication lifecycle events. Delivery is
// at-least-once; implementations must tolerate duplicates.
type NotificationSink interface {
	OnPublicationEvent(ctx context.Context, event models.PublicationEvent) error
}

// Emitter fans terminal publication transitions out to a sink. Emission
// never blocks or rolls back the state transition: failures are logged and
// dropped.
type Emitter struct {
	sink NotificationSink
}

func NewEmitter(sink NotificationSink) *Emitter {
	return &Emitter{sink: sink}
}

// Emit delivers the event, swallowing sink errors.
func (e *Emitter) Emit(ctx context.Context, event models.PublicationEvent) {
	if e == nil || e.sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := e.sink.OnPublicationEvent(ctx, event); err != nil {
		logrus.WithFields(logrus.Fields{
			"schedule_id": event.ScheduleID,
			"platform":    event.Platform,
			"outcome":     event.Outcome,
		}).Warnf("event emission failed: %v", err)
		return
	}
	telemetry.EventsEmitted.Inc()
}

// StreamSink appends events onto a Redis stream for the notification
// collaborator to consume.
type StreamSink struct {
	client *redis.Client
	stream string
}

func NewStreamSink(client *redis.Client, stream string) *StreamSink {
	return &StreamSink{client: client, stream: stream}
}

func (s *StreamSink) OnPublicationEvent(ctx context.Context, event models.PublicationEvent) error {
	values := map[string]any{
		"schedule_id": event.ScheduleID,
		"platform":    event.Platform,
		"outcome":     event.Outcome,
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339),
	}
	if event.RemotePostID != "" {
		values["remote_post_id"] = event.RemotePostID
	}
	if event.ErrorDetail != "" {
		values["error_detail"] = event.ErrorDetail
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: values}).Err()
}

package eligibility

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/clinicware/eligibility/internal/platform/emrsink"
	"github.com/clinicware/eligibility/internal/platform/websocket"
)

// HubNotifier forwards lifecycle events to websocket subscribers of the
// check's topic.
func HubNotifier(pub websocket.EventPublisher, logger zerolog.Logger) EventListener {
	return func(ev LifecycleEvent) {
		if ev.TaskID == "" {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("failed to encode lifecycle event")
			return
		}
		err = pub.Publish(context.Background(), websocket.Event{
			Type:      string(ev.Type),
			Topic:     websocket.CheckTopic(ev.TaskID),
			ClinicID:  ev.ClinicID,
			TaskID:    ev.TaskID,
			Timestamp: ev.At,
			Data:      data,
		})
		if err != nil {
			logger.Warn().Err(err).Str("task_id", ev.TaskID).Msg("failed to publish lifecycle event")
		}
	}
}

// SinkEnqueuer queues a write-back delivery.
type SinkEnqueuer interface {
	Enqueue(ev emrsink.Event)
}

// SinkNotifier writes every resolved check back to the EMR.
func SinkNotifier(sink SinkEnqueuer, logger zerolog.Logger) EventListener {
	return func(ev LifecycleEvent) {
		if ev.Type != EventResolved || ev.Record == nil {
			return
		}
		payload, err := json.Marshal(Resolve(ev.Record))
		if err != nil {
			logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("failed to encode write-back payload")
			return
		}
		sink.Enqueue(emrsink.Event{
			Type:      "eligibility.resolved",
			ClinicID:  ev.ClinicID,
			TaskID:    ev.TaskID,
			Payload:   payload,
			Timestamp: ev.At,
		})
	}
}

package acqengine

import (
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent is an alias for the CloudEvents SDK event type.
type CloudEvent = cloudevents.Event

// cloudEventSource identifies this engine as the source of bridged events.
const cloudEventSource = "com.openscope.engine"

// ToCloudEvent converts a notification to a CloudEvents 1.0 event so it can
// be bridged onto external transports. The notification's UUID becomes the
// event id and its category is carried as an extension attribute.
func ToCloudEvent(n Notification) (CloudEvent, error) {
	event := cloudevents.NewEvent()
	event.SetID(n.ID().String())
	event.SetSource(cloudEventSource)
	event.SetType(n.Type())
	event.SetTime(n.Timestamp())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetExtension("category", string(n.Category()))

	if payload := n.Payload(); payload != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, cloudEventPayload(payload)); err != nil {
			return event, fmt.Errorf("encode notification payload: %w", err)
		}
	}
	return event, nil
}

// cloudEventPayload maps engine payload types onto JSON-friendly values:
// coordinates become an axis map, errors become their message.
func cloudEventPayload(payload any) any {
	switch p := payload.(type) {
	case DataCoordinates:
		return p.ToMap()
	case error:
		return p.Error()
	default:
		return p
	}
}

// NewCloudEventBridge returns a notification handler that converts each
// notification to a CloudEvent and forwards it to sink. Conversion and sink
// failures are logged through the engine, never propagated — the bridge
// follows the same isolation rule as any other subscriber.
//
//	sub := engine.Subscribe(NewCloudEventBridge(engine, client.Send))
func NewCloudEventBridge(engine *ExecutionEngine, sink func(CloudEvent) error) NotificationHandler {
	return func(n Notification) {
		event, err := ToCloudEvent(n)
		if err != nil {
			engine.logger.Error("cloudevent conversion failed", "notificationType", n.Type(), "error", err)
			return
		}
		if err := sink(event); err != nil {
			engine.logger.Error("cloudevent sink failed", "notificationType", n.Type(), "error", err)
		}
	}
}
